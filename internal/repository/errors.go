// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// ledger and the handlers to distinguish between failure scenarios
// without inspecting SQL errors. SeatConflictError is a typed error
// rather than a sentinel because callers need the specific seat labels
// that collided in order to build an actionable response.
package repository

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTripNotFound is returned when the referenced trip does not exist.
var ErrTripNotFound = errors.New("trip not found")

// ErrTripDeparted is returned when a booking is attempted against a
// trip whose departure time has passed or whose status is no longer
// SCHEDULED.
var ErrTripDeparted = errors.New("trip already departed")

// ErrBookingNotFound is returned when the referenced booking does not
// exist.
var ErrBookingNotFound = errors.New("booking not found")

// ErrAttemptNotFound is returned when no payment attempt matches the
// given id or correlation id.
var ErrAttemptNotFound = errors.New("payment attempt not found")

// ErrNotPending is returned when a status transition requires the row
// to still be PENDING and it is not.
var ErrNotPending = errors.New("not pending")

// ErrAlreadyTerminal is returned when a transition targets a row that
// already reached a terminal status.
var ErrAlreadyTerminal = errors.New("already terminal")

// ErrPriceMismatch is returned when the client-supplied expected price
// does not equal seats × current trip price.
var ErrPriceMismatch = errors.New("price mismatch")

// ErrCapacityExceeded is returned when a reservation asks for more
// seats than the trip has remaining.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ErrCodeCollision is returned when inserting a booking failed on the
// confirmation-code unique constraint. The ledger retries the insert
// once with a freshly generated code.
var ErrCodeCollision = errors.New("confirmation code collision")

// SeatConflictError reports the specific seat labels that could not be
// reserved because another active booking holds them (or because the
// label is not valid for the trip). Handlers surface the labels so a
// client can retry with a different selection.
type SeatConflictError struct {
	Seats []string
}

func (e *SeatConflictError) Error() string {
	return fmt.Sprintf("seats unavailable: %s", strings.Join(e.Seats, ","))
}

// IsSeatConflict unwraps err looking for a SeatConflictError and
// returns it when found.
func IsSeatConflict(err error) (*SeatConflictError, bool) {
	var sc *SeatConflictError
	if errors.As(err, &sc) {
		return sc, true
	}
	return nil, false
}
