package ledger

import (
	"crypto/rand"
	"time"
)

// codeAlphabet deliberately omits 0/O, 1/I/L and U so codes survive
// being read over the phone. 30 symbols over a 10-character suffix
// puts the birthday-collision probability at expected booking volumes
// far below the unique-key retry path ever firing.
const codeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

const codeSuffixLen = 10

// NewConfirmationCode returns a human-copyable booking code of the
// form TB-YYMMDD-XXXXXXXXXX: a date prefix for operator eyeballing and
// a crypto/rand suffix for uniqueness. Uniqueness is still enforced by
// the database; a collision triggers one silent regeneration in
// CreateBooking rather than a caller-visible error.
func NewConfirmationCode() (string, error) {
	buf := make([]byte, codeSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	suffix := make([]byte, codeSuffixLen)
	for i, b := range buf {
		suffix[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return "TB-" + time.Now().UTC().Format("060102") + "-" + string(suffix), nil
}
