package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/transit-booking/internal/model"
)

// TripRepo provides data access to the trips and trip_seats tables.
// Seat labels are created together with the trip and never change
// afterwards, so reads of the label set do not need locking; the trip
// row itself is the serialization point for reservations and must be
// read with GetForUpdateTx inside the reserving transaction.
type TripRepo struct {
	db *sql.DB
}

// NewTripRepo returns a new TripRepo bound to the provided database.
func NewTripRepo(db *sql.DB) *TripRepo { return &TripRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions
// that span multiple repositories.
func (r *TripRepo) DB() *sql.DB { return r.db }

// TripRecord mirrors the schema of the trips table.
type TripRecord struct {
	ID         uint64
	Route      string
	DepartsAt  time.Time
	SeatCount  uint32
	PriceCents uint32
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Create inserts a trip and its seat labels in a single transaction.
// Duplicate labels in the input are rejected before touching the
// database. The generated trip ID is populated on the record.
func (r *TripRepo) Create(ctx context.Context, rec *TripRecord, seatLabels []string) error {
	if len(seatLabels) == 0 {
		return errors.New("trip requires at least one seat label")
	}
	seen := make(map[string]struct{}, len(seatLabels))
	for _, l := range seatLabels {
		l = strings.TrimSpace(l)
		if l == "" {
			return errors.New("empty seat label")
		}
		if _, dup := seen[l]; dup {
			return errors.New("duplicate seat label: " + l)
		}
		seen[l] = struct{}{}
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	const q = `INSERT INTO trips (route, departs_at, seat_count, price_cents, status) VALUES (?, ?, ?, ?, ?)`
	result, err := tx.ExecContext(ctx, q,
		rec.Route, rec.DepartsAt.UTC().Format("2006-01-02 15:04:05"), len(seatLabels), rec.PriceCents, model.TripScheduled)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = uint64(id)
	rec.SeatCount = uint32(len(seatLabels))
	rec.Status = model.TripScheduled
	query := `INSERT INTO trip_seats (trip_id, label) VALUES `
	args := make([]interface{}, 0, len(seatLabels)*2)
	for i, l := range seatLabels {
		if i > 0 {
			query += ","
		}
		query += "(?, ?)"
		args = append(args, rec.ID, strings.TrimSpace(l))
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// GetByID returns a single trip or ErrTripNotFound.
func (r *TripRepo) GetByID(ctx context.Context, tripID uint64) (*TripRecord, error) {
	const q = `SELECT id, route, departs_at, seat_count, price_cents, status, created_at, updated_at
	           FROM trips WHERE id = ?`
	return scanTrip(r.db.QueryRowContext(ctx, q, tripID))
}

// GetForUpdateTx loads the trip row with a row lock inside the given
// transaction. Every reservation for a trip acquires this lock first,
// which serializes concurrent check-and-reserve attempts on the same
// trip while leaving other trips unaffected.
func (r *TripRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, tripID uint64) (*TripRecord, error) {
	const q = `SELECT id, route, departs_at, seat_count, price_cents, status, created_at, updated_at
	           FROM trips WHERE id = ? FOR UPDATE`
	return scanTrip(tx.QueryRowContext(ctx, q, tripID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrip(row rowScanner) (*TripRecord, error) {
	var t TripRecord
	err := row.Scan(&t.ID, &t.Route, &t.DepartsAt, &t.SeatCount, &t.PriceCents, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SeatLabelsTx returns the set of valid seat labels for a trip. The
// query runs inside the reserving transaction so the answer is
// consistent with the trip row lock already held.
func (r *TripRepo) SeatLabelsTx(ctx context.Context, tx *sql.Tx, tripID uint64) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `SELECT label FROM trip_seats WHERE trip_id = ?`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	labels := make(map[string]struct{})
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		labels[l] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// List returns trips ordered by departure, soonest first. Intended for
// the public browse endpoint; it does not include seat state.
func (r *TripRepo) List(ctx context.Context) ([]TripRecord, error) {
	const q = `SELECT id, route, departs_at, seat_count, price_cents, status, created_at, updated_at
	           FROM trips ORDER BY departs_at ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	trips := make([]TripRecord, 0)
	for rows.Next() {
		var t TripRecord
		if err := rows.Scan(&t.ID, &t.Route, &t.DepartsAt, &t.SeatCount, &t.PriceCents, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trips, nil
}
