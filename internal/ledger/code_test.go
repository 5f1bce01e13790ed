package ledger

import (
	"strings"
	"testing"
	"time"
)

func TestNewConfirmationCodeFormat(t *testing.T) {
	code, err := NewConfirmationCode()
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	parts := strings.Split(code, "-")
	if len(parts) != 3 {
		t.Fatalf("expected three dash-separated parts, got %q", code)
	}
	if parts[0] != "TB" {
		t.Errorf("expected TB prefix, got %q", parts[0])
	}
	if want := time.Now().UTC().Format("060102"); parts[1] != want {
		t.Errorf("expected date part %s, got %s", want, parts[1])
	}
	if len(parts[2]) != codeSuffixLen {
		t.Fatalf("expected %d suffix chars, got %d in %q", codeSuffixLen, len(parts[2]), code)
	}
	for _, ch := range parts[2] {
		if !strings.ContainsRune(codeAlphabet, ch) {
			t.Errorf("suffix char %q outside alphabet", ch)
		}
	}
}

func TestNewConfirmationCodeNoAmbiguousCharacters(t *testing.T) {
	for _, ch := range "01ILOU" {
		if strings.ContainsRune(codeAlphabet, ch) {
			t.Errorf("alphabet contains ambiguous character %q", ch)
		}
	}
}

func TestNewConfirmationCodeUniqueness(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping bulk uniqueness run in short mode")
	}
	const n = 100_000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		code, err := NewConfirmationCode()
		if err != nil {
			t.Fatalf("generate code %d: %v", i, err)
		}
		if _, dup := seen[code]; dup {
			t.Fatalf("duplicate code %q after %d generations", code, i)
		}
		seen[code] = struct{}{}
	}
}
