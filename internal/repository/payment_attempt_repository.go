package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/transit-booking/internal/model"
)

// PaymentAttemptRepo provides data access to the payment_attempts
// table. Terminal transitions are conditional UPDATEs keyed on the
// current status being non-terminal, which is what makes replayed
// webhooks and duplicate poll results safe: the second writer affects
// zero rows and the caller re-reads the row to classify the replay.
type PaymentAttemptRepo struct {
	db *sql.DB
}

// NewPaymentAttemptRepo returns a new PaymentAttemptRepo bound to the
// provided database.
func NewPaymentAttemptRepo(db *sql.DB) *PaymentAttemptRepo { return &PaymentAttemptRepo{db: db} }

// DB exposes the underlying handle for transaction scoping.
func (r *PaymentAttemptRepo) DB() *sql.DB { return r.db }

// AttemptRecord mirrors the schema of the payment_attempts table.
type AttemptRecord struct {
	ID            uint64
	BookingID     uint64
	Gateway       string
	CorrelationID string
	AmountCents   uint32
	Currency      string
	Status        string
	ResultCode    *string
	ResultDesc    *string
	TransactionID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the record is in a final state.
func (a *AttemptRecord) Terminal() bool {
	return a.Status == model.PaymentCompleted || a.Status == model.PaymentFailed
}

// Create inserts a new attempt in PENDING. The correlation id carries
// a UNIQUE key so one gateway handle can never map to two attempts.
func (r *PaymentAttemptRepo) Create(ctx context.Context, rec *AttemptRecord) error {
	const q = `INSERT INTO payment_attempts
	           (booking_id, gateway, correlation_id, amount_cents, currency, status)
	           VALUES (?, ?, ?, ?, ?, 'PENDING')`
	result, err := r.db.ExecContext(ctx, q,
		rec.BookingID, rec.Gateway, rec.CorrelationID, rec.AmountCents, rec.Currency)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = uint64(id)
	rec.Status = model.PaymentPending
	return nil
}

// GetByID returns a single attempt or ErrAttemptNotFound.
func (r *PaymentAttemptRepo) GetByID(ctx context.Context, attemptID uint64) (*AttemptRecord, error) {
	const q = `SELECT id, booking_id, gateway, correlation_id, amount_cents, currency, status,
	                  result_code, result_desc, transaction_id, created_at, updated_at
	           FROM payment_attempts WHERE id = ?`
	return scanAttempt(r.db.QueryRowContext(ctx, q, attemptID))
}

// GetByCorrelationID resolves an inbound gateway event (webhook,
// callback or poll result) to its attempt.
func (r *PaymentAttemptRepo) GetByCorrelationID(ctx context.Context, correlationID string) (*AttemptRecord, error) {
	const q = `SELECT id, booking_id, gateway, correlation_id, amount_cents, currency, status,
	                  result_code, result_desc, transaction_id, created_at, updated_at
	           FROM payment_attempts WHERE correlation_id = ?`
	return scanAttempt(r.db.QueryRowContext(ctx, q, correlationID))
}

// GetForUpdateTx loads an attempt with a row lock so the coordinator's
// terminal-state check and the transition that follows are atomic.
func (r *PaymentAttemptRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, attemptID uint64) (*AttemptRecord, error) {
	const q = `SELECT id, booking_id, gateway, correlation_id, amount_cents, currency, status,
	                  result_code, result_desc, transaction_id, created_at, updated_at
	           FROM payment_attempts WHERE id = ? FOR UPDATE`
	return scanAttempt(tx.QueryRowContext(ctx, q, attemptID))
}

func scanAttempt(row rowScanner) (*AttemptRecord, error) {
	var a AttemptRecord
	var code, desc, txid sql.NullString
	err := row.Scan(&a.ID, &a.BookingID, &a.Gateway, &a.CorrelationID, &a.AmountCents, &a.Currency, &a.Status,
		&code, &desc, &txid, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	if code.Valid {
		v := code.String
		a.ResultCode = &v
	}
	if desc.Valid {
		v := desc.String
		a.ResultDesc = &v
	}
	if txid.Valid {
		v := txid.String
		a.TransactionID = &v
	}
	return &a, nil
}

// ActiveByBooking returns the booking's non-terminal attempt, if any.
// A booking may have at most one; the ledger refuses to initiate a
// second charge while one is open.
func (r *PaymentAttemptRepo) ActiveByBooking(ctx context.Context, bookingID uint64) (*AttemptRecord, error) {
	const q = `SELECT id, booking_id, gateway, correlation_id, amount_cents, currency, status,
	                  result_code, result_desc, transaction_id, created_at, updated_at
	           FROM payment_attempts WHERE booking_id = ? AND status IN ('PENDING','PROCESSING')`
	return scanAttempt(r.db.QueryRowContext(ctx, q, bookingID))
}

// MarkProcessingTx moves PENDING -> PROCESSING once the gateway
// accepted the charge. Harmless when repeated.
func (r *PaymentAttemptRepo) MarkProcessingTx(ctx context.Context, tx *sql.Tx, attemptID uint64) error {
	const q = `UPDATE payment_attempts SET status = 'PROCESSING'
	           WHERE id = ? AND status IN ('PENDING','PROCESSING')`
	_, err := tx.ExecContext(ctx, q, attemptID)
	return err
}

// CompleteTx transitions a non-terminal attempt to COMPLETED with the
// settled transaction id. Zero affected rows yields ErrAlreadyTerminal.
func (r *PaymentAttemptRepo) CompleteTx(ctx context.Context, tx *sql.Tx, attemptID uint64, transactionID string) error {
	const q = `UPDATE payment_attempts SET status = 'COMPLETED', transaction_id = ?
	           WHERE id = ? AND status IN ('PENDING','PROCESSING')`
	return r.execTerminal(ctx, tx, q, transactionID, attemptID)
}

// FailTx transitions a non-terminal attempt to FAILED with the gateway
// result code and description. Zero affected rows yields
// ErrAlreadyTerminal.
func (r *PaymentAttemptRepo) FailTx(ctx context.Context, tx *sql.Tx, attemptID uint64, resultCode, resultDesc string) error {
	const q = `UPDATE payment_attempts SET status = 'FAILED', result_code = ?, result_desc = ?
	           WHERE id = ? AND status IN ('PENDING','PROCESSING')`
	return r.execTerminal(ctx, tx, q, resultCode, resultDesc, attemptID)
}

func (r *PaymentAttemptRepo) execTerminal(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	result, err := tx.ExecContext(ctx, query, args...)
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

// ListPollable returns PROCESSING mobile-money attempts last touched
// before the cutoff. The poll loop uses this to chase attempts whose
// callback never arrived.
func (r *PaymentAttemptRepo) ListPollable(ctx context.Context, cutoff time.Time) ([]AttemptRecord, error) {
	const q = `SELECT id, booking_id, gateway, correlation_id, amount_cents, currency, status,
	                  result_code, result_desc, transaction_id, created_at, updated_at
	           FROM payment_attempts
	           WHERE gateway = 'MOBILE_MONEY' AND status = 'PROCESSING' AND updated_at <= ?`
	rows, err := r.db.QueryContext(ctx, q, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var code, desc, txid sql.NullString
		if err := rows.Scan(&a.ID, &a.BookingID, &a.Gateway, &a.CorrelationID, &a.AmountCents, &a.Currency, &a.Status,
			&code, &desc, &txid, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if code.Valid {
			v := code.String
			a.ResultCode = &v
		}
		if desc.Valid {
			v := desc.String
			a.ResultDesc = &v
		}
		if txid.Valid {
			v := txid.String
			a.TransactionID = &v
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}
