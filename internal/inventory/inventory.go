// Package inventory owns per-trip seat state: which labels exist,
// which are held, and how many remain. It is the only component that
// writes seat_holds rows, so every seat mutation (reservation by the
// ledger, release by the ledger or the reaper) funnels through one
// interface and one locking discipline.
package inventory

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/iliyamo/transit-booking/internal/model"
	"github.com/iliyamo/transit-booking/internal/repository"
)

// TripInventory reserves and releases seats for trips. Reservation is
// a single serialized check-and-set: callers open a transaction, the
// trip row is locked FOR UPDATE, availability is checked and holds are
// inserted under that same lock. Two concurrent reservations for
// overlapping seats on the same trip therefore yield exactly one
// success and one SeatConflictError; reservations on different trips
// never contend.
type TripInventory struct {
	trips *repository.TripRepo
	holds *repository.SeatHoldRepo
}

// New constructs a TripInventory. Both repositories must be non-nil.
func New(trips *repository.TripRepo, holds *repository.SeatHoldRepo) *TripInventory {
	if trips == nil || holds == nil {
		panic("nil repository passed to inventory.New")
	}
	return &TripInventory{trips: trips, holds: holds}
}

// ReserveTx validates and holds the given seats for a booking inside
// the caller's transaction. It returns the trip row (already locked)
// so the ledger can reuse it for price and departure checks without a
// second query. Failure modes:
//
//   - repository.ErrTripNotFound when the trip does not exist
//   - repository.ErrTripDeparted when the trip is past departure
//   - *repository.SeatConflictError naming invalid or already-held labels
//   - repository.ErrCapacityExceeded when fewer seats remain than requested
//
// On any error nothing is inserted; the caller rolls back.
func (inv *TripInventory) ReserveTx(ctx context.Context, tx *sql.Tx, tripID, bookingID uint64, seatLabels []string, now time.Time) (*repository.TripRecord, error) {
	trip, err := inv.trips.GetForUpdateTx(ctx, tx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.Status != model.TripScheduled || !trip.DepartsAt.After(now.UTC()) {
		return nil, repository.ErrTripDeparted
	}
	valid, err := inv.trips.SeatLabelsTx(ctx, tx, tripID)
	if err != nil {
		return nil, err
	}
	held, err := inv.holds.HeldLabelsTx(ctx, tx, tripID)
	if err != nil {
		return nil, err
	}
	var conflicting []string
	for _, l := range seatLabels {
		if _, ok := valid[l]; !ok {
			conflicting = append(conflicting, l)
			continue
		}
		if _, taken := held[l]; taken {
			conflicting = append(conflicting, l)
		}
	}
	if len(conflicting) > 0 {
		sort.Strings(conflicting)
		return nil, &repository.SeatConflictError{Seats: conflicting}
	}
	if len(held)+len(seatLabels) > int(trip.SeatCount) {
		return nil, repository.ErrCapacityExceeded
	}
	if err := inv.holds.CreateTx(ctx, tx, tripID, bookingID, seatLabels); err != nil {
		return nil, err
	}
	return trip, nil
}

// ReleaseTx frees every seat held by the booking and returns the
// labels that were released. Releasing a booking whose seats are
// already free is a no-op, not an error.
func (inv *TripInventory) ReleaseTx(ctx context.Context, tx *sql.Tx, bookingID uint64) ([]string, error) {
	return inv.holds.ReleaseByBookingTx(ctx, tx, bookingID)
}

// RemainingCapacity returns the number of seats on the trip not held
// by any active booking.
func (inv *TripInventory) RemainingCapacity(ctx context.Context, tripID uint64) (int, error) {
	trip, err := inv.trips.GetByID(ctx, tripID)
	if err != nil {
		return 0, err
	}
	heldCount, err := inv.holds.HeldCount(ctx, tripID)
	if err != nil {
		return 0, err
	}
	remaining := int(trip.SeatCount) - heldCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
