package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/transit-booking/internal/model"
)

// BookingRepo provides data access to the bookings table. Status
// transitions are expressed as conditional UPDATEs keyed on the
// current status, so concurrent writers (coordinator vs. reaper)
// resolve deterministically: the row moves exactly once and the loser
// observes zero affected rows.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the provided database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// BookingRecord mirrors the schema of the bookings table. SeatLabels
// is populated from seat_holds by read helpers, not stored on the row.
type BookingRecord struct {
	ID               uint64
	TripID           uint64
	PassengerID      string
	PassengerName    string
	PassengerPhone   string
	TotalPriceCents  uint32
	ConfirmationCode string
	Status           string
	PaymentStatus    string
	GatewayTxnID     *string
	CancelReason     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateTx inserts a new PENDING booking within the given transaction
// and populates the generated ID. A duplicate confirmation code is
// reported as ErrCodeCollision so the ledger can regenerate and retry
// without surfacing the collision to the caller.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, rec *BookingRecord) error {
	const q = `INSERT INTO bookings
	           (trip_id, passenger_id, passenger_name, passenger_phone, total_price_cents, confirmation_code, status, payment_status)
	           VALUES (?, ?, ?, ?, ?, ?, 'PENDING', 'PENDING')`
	result, err := tx.ExecContext(ctx, q,
		rec.TripID, rec.PassengerID, rec.PassengerName, rec.PassengerPhone, rec.TotalPriceCents, rec.ConfirmationCode)
	if err != nil {
		if isDuplicateEntry(err) {
			return ErrCodeCollision
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = uint64(id)
	rec.Status = model.BookingPending
	rec.PaymentStatus = model.PaymentPending
	return nil
}

// GetByID returns a single booking or ErrBookingNotFound.
func (r *BookingRepo) GetByID(ctx context.Context, bookingID uint64) (*BookingRecord, error) {
	const q = `SELECT id, trip_id, passenger_id, passenger_name, passenger_phone, total_price_cents,
	                  confirmation_code, status, payment_status, gateway_txn_id, cancel_reason, created_at, updated_at
	           FROM bookings WHERE id = ?`
	return scanBooking(r.db.QueryRowContext(ctx, q, bookingID))
}

// GetForUpdateTx loads a booking row with a row lock so that the
// status observed and the conditional transition that follows happen
// under the same lock.
func (r *BookingRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, bookingID uint64) (*BookingRecord, error) {
	const q = `SELECT id, trip_id, passenger_id, passenger_name, passenger_phone, total_price_cents,
	                  confirmation_code, status, payment_status, gateway_txn_id, cancel_reason, created_at, updated_at
	           FROM bookings WHERE id = ? FOR UPDATE`
	return scanBooking(tx.QueryRowContext(ctx, q, bookingID))
}

func scanBooking(row rowScanner) (*BookingRecord, error) {
	var b BookingRecord
	var txn, reason sql.NullString
	err := row.Scan(&b.ID, &b.TripID, &b.PassengerID, &b.PassengerName, &b.PassengerPhone, &b.TotalPriceCents,
		&b.ConfirmationCode, &b.Status, &b.PaymentStatus, &txn, &reason, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	if txn.Valid {
		v := txn.String
		b.GatewayTxnID = &v
	}
	if reason.Valid {
		rs := reason.String
		b.CancelReason = &rs
	}
	return &b, nil
}

// ConfirmTx transitions PENDING -> CONFIRMED with payment COMPLETED.
// The WHERE clause is the check-and-set: when the row is no longer
// PENDING, zero rows are affected and ErrNotPending is returned so the
// caller can decide whether the current state makes the call an
// idempotent no-op or an inconsistency.
func (r *BookingRepo) ConfirmTx(ctx context.Context, tx *sql.Tx, bookingID uint64, gatewayTxnID string) error {
	const q = `UPDATE bookings SET status = 'CONFIRMED', payment_status = 'COMPLETED', gateway_txn_id = ?
	           WHERE id = ? AND status = 'PENDING'`
	result, err := tx.ExecContext(ctx, q, gatewayTxnID, bookingID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

// CancelTx transitions a non-terminal booking to CANCELLED with the
// given reason. Payment status moves to FAILED unless it already
// completed (a cancelled-but-paid booking keeps its payment record
// intact for manual reconciliation). Zero affected rows yields
// ErrAlreadyTerminal.
func (r *BookingRepo) CancelTx(ctx context.Context, tx *sql.Tx, bookingID uint64, reason string) error {
	const q = `UPDATE bookings
	           SET status = 'CANCELLED', cancel_reason = ?,
	               payment_status = CASE WHEN payment_status = 'COMPLETED' THEN payment_status ELSE 'FAILED' END
	           WHERE id = ? AND status = 'PENDING'`
	result, err := tx.ExecContext(ctx, q, reason, bookingID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

// MarkProcessingTx moves payment status PENDING -> PROCESSING once a
// gateway accepted the initiate call. The booking status itself stays
// PENDING. Repeating the call is harmless.
func (r *BookingRepo) MarkProcessingTx(ctx context.Context, tx *sql.Tx, bookingID uint64) error {
	const q = `UPDATE bookings SET payment_status = 'PROCESSING'
	           WHERE id = ? AND status = 'PENDING' AND payment_status IN ('PENDING','PROCESSING')`
	_, err := tx.ExecContext(ctx, q, bookingID)
	return err
}

// ListPendingOlderThan returns the ids of PENDING bookings created at
// or before the cutoff. The reaper uses this to find bookings whose
// payment window elapsed; the subsequent cancel is conditional, so a
// booking confirmed between this read and the cancel is untouched.
func (r *BookingRepo) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]uint64, error) {
	const q = `SELECT id FROM bookings WHERE status = 'PENDING' AND created_at <= ?`
	rows, err := r.db.QueryContext(ctx, q, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ListByPassenger returns all bookings created by the given passenger,
// newest first.
func (r *BookingRepo) ListByPassenger(ctx context.Context, passengerID string) ([]BookingRecord, error) {
	const q = `SELECT id, trip_id, passenger_id, passenger_name, passenger_phone, total_price_cents,
	                  confirmation_code, status, payment_status, gateway_txn_id, cancel_reason, created_at, updated_at
	           FROM bookings WHERE passenger_id = ? ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q, passengerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	bookings := make([]BookingRecord, 0)
	for rows.Next() {
		var b BookingRecord
		var txn, reason sql.NullString
		if err := rows.Scan(&b.ID, &b.TripID, &b.PassengerID, &b.PassengerName, &b.PassengerPhone, &b.TotalPriceCents,
			&b.ConfirmationCode, &b.Status, &b.PaymentStatus, &txn, &reason, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if txn.Valid {
			v := txn.String
			b.GatewayTxnID = &v
		}
		if reason.Valid {
			rs := reason.String
			b.CancelReason = &rs
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bookings, nil
}
