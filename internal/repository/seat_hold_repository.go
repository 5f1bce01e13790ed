package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// SeatHoldRepo provides data access to the seat_holds table. A hold
// row exists while its booking is PENDING or CONFIRMED and is removed
// when the booking is cancelled. The table carries a
// UNIQUE (trip_id, seat_label) key, so even if application-level
// serialization were bypassed the database refuses to double-sell a
// seat; callers map that duplicate-key error back to a seat conflict.
type SeatHoldRepo struct {
	db *sql.DB
}

// NewSeatHoldRepo returns a new SeatHoldRepo bound to the provided database.
func NewSeatHoldRepo(db *sql.DB) *SeatHoldRepo { return &SeatHoldRepo{db: db} }

// mysqlDuplicateEntry is the server error code for a unique-key
// violation.
const mysqlDuplicateEntry = 1062

// isDuplicateEntry reports whether err is a unique-key violation.
func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// HeldLabelsTx returns the seat labels currently held on a trip,
// regardless of which booking holds them. Runs inside the reserving
// transaction so the answer is consistent with the trip row lock.
func (r *SeatHoldRepo) HeldLabelsTx(ctx context.Context, tx *sql.Tx, tripID uint64) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `SELECT seat_label FROM seat_holds WHERE trip_id = ?`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	held := make(map[string]struct{})
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		held[l] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return held, nil
}

// HeldCountTx returns the number of seats currently held on a trip.
func (r *SeatHoldRepo) HeldCountTx(ctx context.Context, tx *sql.Tx, tripID uint64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM seat_holds WHERE trip_id = ?`, tripID).Scan(&n)
	return n, err
}

// HeldCount is HeldCountTx without a surrounding transaction, used by
// the read-only remaining-capacity query.
func (r *SeatHoldRepo) HeldCount(ctx context.Context, tripID uint64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seat_holds WHERE trip_id = ?`, tripID).Scan(&n)
	return n, err
}

// CreateTx inserts hold rows mapping each seat label to the booking.
// A unique-key violation is translated into a SeatConflictError that
// names all requested labels; the caller's availability check should
// normally make this unreachable, the constraint is the backstop.
func (r *SeatHoldRepo) CreateTx(ctx context.Context, tx *sql.Tx, tripID, bookingID uint64, seatLabels []string) error {
	if len(seatLabels) == 0 {
		return nil
	}
	query := `INSERT INTO seat_holds (trip_id, seat_label, booking_id) VALUES `
	args := make([]interface{}, 0, len(seatLabels)*3)
	for i, l := range seatLabels {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?)"
		args = append(args, tripID, l, bookingID)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isDuplicateEntry(err) {
			return &SeatConflictError{Seats: append([]string(nil), seatLabels...)}
		}
		return err
	}
	return nil
}

// ReleaseByBookingTx deletes all holds owned by a booking and returns
// the labels that were freed. Releasing a booking with no remaining
// holds is a no-op, which keeps cancellation idempotent.
func (r *SeatHoldRepo) ReleaseByBookingTx(ctx context.Context, tx *sql.Tx, bookingID uint64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT seat_label FROM seat_holds WHERE booking_id = ?`, bookingID)
	if err != nil {
		return nil, err
	}
	var labels []string
	for rows.Next() {
		var l string
		if scanErr := rows.Scan(&l); scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		labels = append(labels, l)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return []string{}, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM seat_holds WHERE booking_id = ?`, bookingID); err != nil {
		return nil, err
	}
	return labels, nil
}

// LabelsByBooking returns the seat labels held by a booking, ordered
// for deterministic output.
func (r *SeatHoldRepo) LabelsByBooking(ctx context.Context, bookingID uint64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seat_label FROM seat_holds WHERE booking_id = ? ORDER BY seat_label`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	labels := make([]string, 0)
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// SeatMap returns label -> held for every seat of a trip, for the
// public availability endpoint.
func (r *SeatHoldRepo) SeatMap(ctx context.Context, tripID uint64) (map[string]bool, error) {
	const q = `SELECT ts.label, sh.booking_id IS NOT NULL
	           FROM trip_seats ts
	           LEFT JOIN seat_holds sh ON sh.trip_id = ts.trip_id AND sh.seat_label = ts.label
	           WHERE ts.trip_id = ?`
	rows, err := r.db.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m := make(map[string]bool)
	for rows.Next() {
		var label string
		var held bool
		if err := rows.Scan(&label, &held); err != nil {
			return nil, err
		}
		m[label] = held
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// NormalizeLabels trims whitespace and drops duplicates while keeping
// the caller's ordering. Shared by the inventory and ledger layers.
func NormalizeLabels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, l := range in {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
