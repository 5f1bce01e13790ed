// Package ledger creates bookings and drives their status
// transitions. It is the single component allowed to move a booking
// between PENDING, CONFIRMED and CANCELLED; the reconciliation
// coordinator and the expiry reaper both request transitions through
// it rather than touching rows themselves.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iliyamo/transit-booking/internal/inventory"
	"github.com/iliyamo/transit-booking/internal/model"
	"github.com/iliyamo/transit-booking/internal/repository"
)

// InconsistencyError reports a state transition that must never be
// auto-resolved: a confirm against a cancelled booking, or a confirm
// repeated with a different gateway transaction id. The pre-existing
// state stays the source of truth; callers log and alert.
type InconsistencyError struct {
	BookingID uint64
	Detail    string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("booking %d inconsistency: %s", e.BookingID, e.Detail)
}

// SeatEventPublisher announces seat-state changes per trip so that
// live seat-map subscribers on other instances see them. Implemented
// by the Redis pub/sub bus; may be nil in tests.
type SeatEventPublisher interface {
	PublishSeatChange(ctx context.Context, tripID uint64, seatLabels []string, state string)
}

// CreateBookingInput carries everything needed to reserve seats and
// open a booking.
type CreateBookingInput struct {
	TripID             uint64
	PassengerID        string
	PassengerName      string
	PassengerPhone     string
	SeatLabels         []string
	ExpectedPriceCents uint32
}

// Ledger implements booking creation and transitions over the
// repository layer. All mutations for one logical operation share one
// transaction, so a failure can never leave seats held without a
// booking or a booking confirmed without its payment record.
type Ledger struct {
	db       *sql.DB
	trips    *repository.TripRepo
	bookings *repository.BookingRepo
	inv      *inventory.TripInventory
	seats    SeatEventPublisher

	maxSeats int
	newCode  func() (string, error)
}

// New constructs a Ledger. seats may be nil when no pub/sub bus is
// configured.
func New(db *sql.DB, trips *repository.TripRepo, bookings *repository.BookingRepo, inv *inventory.TripInventory, seats SeatEventPublisher, maxSeatsPerBooking int) *Ledger {
	if db == nil || trips == nil || bookings == nil || inv == nil {
		panic("nil dependency passed to ledger.New")
	}
	if maxSeatsPerBooking < 1 {
		maxSeatsPerBooking = 1
	}
	return &Ledger{
		db:       db,
		trips:    trips,
		bookings: bookings,
		inv:      inv,
		seats:    seats,
		maxSeats: maxSeatsPerBooking,
		newCode:  NewConfirmationCode,
	}
}

// ErrNoSeats is returned when the request names no valid seat labels.
var ErrNoSeats = errors.New("no seat labels requested")

// ErrTooManySeats is returned when the request exceeds the configured
// per-booking seat maximum.
var ErrTooManySeats = errors.New("too many seats requested")

// CreateBooking validates the trip, checks the client's expected price
// against seats × current price, reserves the seats and persists a
// PENDING booking, all inside one transaction. On a seat conflict
// nothing is created and the conflicting labels are surfaced via
// *repository.SeatConflictError.
func (l *Ledger) CreateBooking(ctx context.Context, in CreateBookingInput) (*repository.BookingRecord, error) {
	labels := repository.NormalizeLabels(in.SeatLabels)
	if len(labels) == 0 {
		return nil, ErrNoSeats
	}
	if len(labels) > l.maxSeats {
		return nil, ErrTooManySeats
	}
	now := time.Now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Locking the trip row serializes every reservation for this trip;
	// the price check and the seat check both happen under the lock.
	trip, err := l.trips.GetForUpdateTx(ctx, tx, in.TripID)
	if err != nil {
		return nil, err
	}
	if trip.Status != model.TripScheduled || !trip.DepartsAt.After(now) {
		return nil, repository.ErrTripDeparted
	}
	want := uint32(len(labels)) * trip.PriceCents
	if in.ExpectedPriceCents != want {
		return nil, repository.ErrPriceMismatch
	}

	code, err := l.newCode()
	if err != nil {
		return nil, err
	}
	rec := &repository.BookingRecord{
		TripID:           in.TripID,
		PassengerID:      in.PassengerID,
		PassengerName:    in.PassengerName,
		PassengerPhone:   in.PassengerPhone,
		TotalPriceCents:  want,
		ConfirmationCode: code,
	}
	if err := l.bookings.CreateTx(ctx, tx, rec); err != nil {
		if !errors.Is(err, repository.ErrCodeCollision) {
			return nil, err
		}
		// One transparent regeneration; a second collision in a row is
		// beyond coincidence and bubbles up.
		if rec.ConfirmationCode, err = l.newCode(); err != nil {
			return nil, err
		}
		if err := l.bookings.CreateTx(ctx, tx, rec); err != nil {
			return nil, err
		}
	}

	if _, err := l.inv.ReserveTx(ctx, tx, in.TripID, rec.ID, labels, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	if l.seats != nil {
		l.seats.PublishSeatChange(ctx, in.TripID, labels, "HELD")
	}
	return rec, nil
}

// ConfirmTx transitions a booking PENDING -> CONFIRMED inside the
// caller's transaction, recording the gateway transaction id.
// Idempotency: confirming an already-CONFIRMED booking with the same
// transaction id is a no-op success; a different id, or a confirm
// against a CANCELLED booking, returns an InconsistencyError and
// leaves the existing state untouched.
func (l *Ledger) ConfirmTx(ctx context.Context, tx *sql.Tx, bookingID uint64, gatewayTxnID string) error {
	b, err := l.bookings.GetForUpdateTx(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	switch b.Status {
	case model.BookingPending:
		return l.bookings.ConfirmTx(ctx, tx, bookingID, gatewayTxnID)
	case model.BookingConfirmed:
		if b.GatewayTxnID != nil && *b.GatewayTxnID == gatewayTxnID {
			return nil
		}
		prev := "<none>"
		if b.GatewayTxnID != nil {
			prev = *b.GatewayTxnID
		}
		return &InconsistencyError{BookingID: bookingID,
			Detail: fmt.Sprintf("confirm with transaction %q but already confirmed by %q", gatewayTxnID, prev)}
	default: // CANCELLED
		return &InconsistencyError{BookingID: bookingID,
			Detail: fmt.Sprintf("confirm with transaction %q against cancelled booking", gatewayTxnID)}
	}
}

// CancelTx transitions a booking to CANCELLED inside the caller's
// transaction and releases its seats through the inventory. A repeat
// cancel with the same reason is a no-op success; a cancel against a
// CONFIRMED booking returns repository.ErrAlreadyTerminal. The
// released seat labels are returned so the caller can publish the
// change after commit.
func (l *Ledger) CancelTx(ctx context.Context, tx *sql.Tx, bookingID uint64, reason string) ([]string, error) {
	b, err := l.bookings.GetForUpdateTx(ctx, tx, bookingID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case model.BookingPending:
		if err := l.bookings.CancelTx(ctx, tx, bookingID, reason); err != nil {
			return nil, err
		}
		return l.inv.ReleaseTx(ctx, tx, bookingID)
	case model.BookingCancelled:
		if b.CancelReason != nil && *b.CancelReason == reason {
			return nil, nil
		}
		log.Printf("ledger: booking %d already cancelled (%v), repeat cancel with reason %q ignored",
			bookingID, b.CancelReason, reason)
		return nil, nil
	default: // CONFIRMED
		return nil, repository.ErrAlreadyTerminal
	}
}

// Cancel is CancelTx with its own transaction boundary, used by the
// expiry reaper and the initiate-failure path. Seat releases are
// published after commit.
func (l *Ledger) Cancel(ctx context.Context, bookingID uint64, reason string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	b, err := l.bookings.GetForUpdateTx(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	released, err := l.CancelTx(ctx, tx, bookingID, reason)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	if l.seats != nil && len(released) > 0 {
		l.seats.PublishSeatChange(ctx, b.TripID, released, "FREE")
	}
	return nil
}

// Get returns a booking record or repository.ErrBookingNotFound.
func (l *Ledger) Get(ctx context.Context, bookingID uint64) (*repository.BookingRecord, error) {
	return l.bookings.GetByID(ctx, bookingID)
}
