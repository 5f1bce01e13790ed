// Package reconcile drives payment attempts through their lifecycle
// and reconciles gateway events with booking state. All event
// application is idempotent and keyed on the attempt's stored status,
// never on delivery order: webhooks and poll results may arrive late,
// duplicated or out of order, and replays of an already-applied
// outcome are absorbed without side effects.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/transit-booking/internal/gateway"
	"github.com/iliyamo/transit-booking/internal/ledger"
	"github.com/iliyamo/transit-booking/internal/model"
	"github.com/iliyamo/transit-booking/internal/queue"
	"github.com/iliyamo/transit-booking/internal/repository"
)

// BookingLedger is the slice of the ledger the coordinator drives.
type BookingLedger interface {
	ConfirmTx(ctx context.Context, tx *sql.Tx, bookingID uint64, gatewayTxnID string) error
	CancelTx(ctx context.Context, tx *sql.Tx, bookingID uint64, reason string) ([]string, error)
	Cancel(ctx context.Context, bookingID uint64, reason string) error
	Get(ctx context.Context, bookingID uint64) (*repository.BookingRecord, error)
}

// AttemptStore is the payment-attempt persistence the coordinator uses.
type AttemptStore interface {
	Create(ctx context.Context, rec *repository.AttemptRecord) error
	GetByCorrelationID(ctx context.Context, correlationID string) (*repository.AttemptRecord, error)
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, attemptID uint64) (*repository.AttemptRecord, error)
	ActiveByBooking(ctx context.Context, bookingID uint64) (*repository.AttemptRecord, error)
	MarkProcessingTx(ctx context.Context, tx *sql.Tx, attemptID uint64) error
	CompleteTx(ctx context.Context, tx *sql.Tx, attemptID uint64, transactionID string) error
	FailTx(ctx context.Context, tx *sql.Tx, attemptID uint64, resultCode, resultDesc string) error
	ListPollable(ctx context.Context, cutoff time.Time) ([]repository.AttemptRecord, error)
}

// TripStore provides trip lookups for notification payloads.
type TripStore interface {
	GetByID(ctx context.Context, tripID uint64) (*repository.TripRecord, error)
}

// SeatStore exposes the labels a booking holds so confirmation
// notifications can carry them.
type SeatStore interface {
	LabelsByBooking(ctx context.Context, bookingID uint64) ([]string, error)
}

// BookingStore covers the direct booking writes the coordinator needs
// outside the ledger's transitions.
type BookingStore interface {
	MarkProcessingTx(ctx context.Context, tx *sql.Tx, bookingID uint64) error
}

// Notifier publishes booking lifecycle events to the broker. Failures
// are non-fatal; the booking transition has already committed.
type Notifier interface {
	PublishBookingConfirmed(ctx context.Context, event queue.BookingConfirmedEvent) error
	PublishBookingCancelled(ctx context.Context, event queue.BookingCancelledEvent) error
}

// Rewards accrues loyalty points for settled payments.
type Rewards interface {
	Award(ctx context.Context, passengerID string, amountCents uint32)
}

// SeatEventPublisher mirrors the ledger's seat broadcast interface for
// releases the coordinator performs inside its own transactions.
type SeatEventPublisher interface {
	PublishSeatChange(ctx context.Context, tripID uint64, seatLabels []string, state string)
}

// AlertFunc receives inconsistency reports that need human attention.
type AlertFunc func(bookingID uint64, detail string)

// CancelReasonFailed marks bookings cancelled because the gateway
// reported a failed or exhausted payment.
const CancelReasonFailed = "payment failed"

// ErrUnknownGateway is returned when an event or initiate request
// names a rail no adapter is registered for.
var ErrUnknownGateway = errors.New("unknown payment gateway")

// ErrBookingNotPayable is returned when payment is initiated for a
// booking that is no longer PENDING.
var ErrBookingNotPayable = errors.New("booking is not payable")

// Coordinator owns the payment-attempt lifecycle. One instance serves
// all rails; adapters are looked up by kind.
type Coordinator struct {
	db       *sql.DB
	attempts AttemptStore
	bookings BookingStore
	trips    TripStore
	holds    SeatStore
	ledger   BookingLedger
	adapters map[string]gateway.Adapter

	notifier Notifier
	rewards  Rewards
	seats    SeatEventPublisher
	alert    AlertFunc

	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// New constructs a Coordinator. notifier, rewards, seats and alert may
// be nil; nil alert falls back to log output.
func New(db *sql.DB, attempts AttemptStore, bookings BookingStore, trips TripStore, holds SeatStore, lg BookingLedger, adapters []gateway.Adapter, notifier Notifier, rewards Rewards, seats SeatEventPublisher, alert AlertFunc, maxRetries int, backoff time.Duration) *Coordinator {
	if db == nil || attempts == nil || bookings == nil || trips == nil || holds == nil || lg == nil {
		panic("nil dependency passed to reconcile.New")
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	if alert == nil {
		alert = func(bookingID uint64, detail string) {
			log.Printf("ALERT: booking %d requires manual reconciliation: %s", bookingID, detail)
		}
	}
	byKind := make(map[string]gateway.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	return &Coordinator{
		db:         db,
		attempts:   attempts,
		bookings:   bookings,
		trips:      trips,
		holds:      holds,
		ledger:     lg,
		adapters:   byKind,
		notifier:   notifier,
		rewards:    rewards,
		seats:      seats,
		alert:      alert,
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// InitiateResult is what the payment handler returns to the client.
type InitiateResult struct {
	Attempt   *repository.AttemptRecord
	ClientRef string
}

// InitiatePayment starts a charge for a PENDING booking. If a
// non-terminal attempt already exists it is returned as-is instead of
// charging the passenger twice. Gateway outages are retried with a
// fixed backoff; when every retry fails the booking is cancelled with
// reason "payment failed" and its seats are released.
func (c *Coordinator) InitiatePayment(ctx context.Context, bookingID uint64, gatewayKind, payerReference string) (*InitiateResult, error) {
	booking, err := c.ledger.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != model.BookingPending {
		return nil, fmt.Errorf("%w: status %s", ErrBookingNotPayable, booking.Status)
	}

	if active, err := c.attempts.ActiveByBooking(ctx, bookingID); err == nil {
		return &InitiateResult{Attempt: active}, nil
	} else if !errors.Is(err, repository.ErrAttemptNotFound) {
		return nil, err
	}

	adapter, ok := c.adapters[gatewayKind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, gatewayKind)
	}

	req := gateway.InitiateRequest{
		BookingID:      bookingID,
		AmountCents:    booking.TotalPriceCents,
		Currency:       "KES",
		PayerReference: payerReference,
	}
	handle, err := c.initiateWithRetry(ctx, adapter, req)
	if err != nil {
		if errors.Is(err, gateway.ErrGatewayUnavailable) {
			// The rail never accepted a charge; the seats go back on
			// sale rather than sitting held behind a dead gateway.
			if cancelErr := c.ledger.Cancel(ctx, bookingID, CancelReasonFailed); cancelErr != nil {
				log.Printf("reconcile: cancel booking %d after initiate failure: %v", bookingID, cancelErr)
			} else {
				c.notifyCancelled(ctx, bookingID, CancelReasonFailed)
			}
		}
		return nil, err
	}

	correlationID := handle.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	rec := &repository.AttemptRecord{
		BookingID:     bookingID,
		Gateway:       adapter.Kind(),
		CorrelationID: correlationID,
		AmountCents:   booking.TotalPriceCents,
		Currency:      req.Currency,
	}
	if err := c.attempts.Create(ctx, rec); err != nil {
		return nil, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := c.attempts.MarkProcessingTx(ctx, tx, rec.ID); err != nil {
		return nil, err
	}
	if err := c.bookings.MarkProcessingTx(ctx, tx, bookingID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	rec.Status = model.PaymentProcessing

	return &InitiateResult{Attempt: rec, ClientRef: handle.ClientRef}, nil
}

func (c *Coordinator) initiateWithRetry(ctx context.Context, adapter gateway.Adapter, req gateway.InitiateRequest) (gateway.Handle, error) {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		handle, err := adapter.Initiate(ctx, req)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, gateway.ErrGatewayUnavailable) {
			return gateway.Handle{}, err
		}
		lastErr = err
		log.Printf("reconcile: initiate attempt %d/%d for booking %d failed: %v", i+1, c.maxRetries, req.BookingID, err)
		if i < c.maxRetries-1 {
			if err := c.sleep(ctx, c.backoff); err != nil {
				return gateway.Handle{}, err
			}
		}
	}
	return gateway.Handle{}, lastErr
}

// ApplyEvent reconciles one normalized gateway event against the
// attempt it correlates to and the booking behind it. The attempt
// transition and the booking transition commit in a single database
// transaction; notifications, loyalty points and seat broadcasts fire
// only after commit, and only on the call that actually performed the
// transition.
func (c *Coordinator) ApplyEvent(ctx context.Context, ev gateway.Event) error {
	if ev.Outcome == gateway.StillPending {
		return nil
	}

	attempt, err := c.attempts.GetByCorrelationID(ctx, ev.CorrelationID)
	if err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Re-read under lock: a concurrent delivery of the same event may
	// have applied it between the lookup above and here.
	attempt, err = c.attempts.GetForUpdateTx(ctx, tx, attempt.ID)
	if err != nil {
		return err
	}

	if attempt.Terminal() {
		return c.classifyReplay(attempt, ev)
	}

	var inconsistency *ledger.InconsistencyError
	var released []string
	switch ev.Outcome {
	case gateway.Succeeded:
		if ev.SettledAmountCents != int64(attempt.AmountCents) {
			c.alert(attempt.BookingID, fmt.Sprintf("settled amount %d differs from attempt amount %d (correlation %s)",
				ev.SettledAmountCents, attempt.AmountCents, attempt.CorrelationID))
		}
		if err := c.attempts.CompleteTx(ctx, tx, attempt.ID, ev.TransactionID); err != nil {
			return err
		}
		if err := c.ledger.ConfirmTx(ctx, tx, attempt.BookingID, ev.TransactionID); err != nil {
			// A cancelled booking with a settled payment is preserved
			// as-is for manual reconciliation; the attempt still
			// records the settlement.
			if !errors.As(err, &inconsistency) {
				return err
			}
		}
	case gateway.Failed:
		if err := c.attempts.FailTx(ctx, tx, attempt.ID, ev.ReasonCode, ev.ReasonText); err != nil {
			return err
		}
		released, err = c.ledger.CancelTx(ctx, tx, attempt.BookingID, CancelReasonFailed)
		if err != nil {
			if !errors.Is(err, repository.ErrAlreadyTerminal) {
				return err
			}
			// Failed event for a booking confirmed through another
			// attempt: record the failure, leave the booking alone.
			inconsistency = &ledger.InconsistencyError{BookingID: attempt.BookingID,
				Detail: fmt.Sprintf("failure event (correlation %s) against confirmed booking", attempt.CorrelationID)}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	if inconsistency != nil {
		c.alert(inconsistency.BookingID, inconsistency.Detail)
		return inconsistency
	}

	switch ev.Outcome {
	case gateway.Succeeded:
		c.settleSideEffects(ctx, attempt)
	case gateway.Failed:
		if booking, err := c.ledger.Get(ctx, attempt.BookingID); err == nil && c.seats != nil && len(released) > 0 {
			c.seats.PublishSeatChange(ctx, booking.TripID, released, "FREE")
		}
		c.notifyCancelled(ctx, attempt.BookingID, CancelReasonFailed)
	}
	return nil
}

// classifyReplay decides what a duplicate event against a terminal
// attempt means. Matching outcomes are silent no-ops; conflicting
// outcomes preserve the stored state and raise an alert.
func (c *Coordinator) classifyReplay(attempt *repository.AttemptRecord, ev gateway.Event) error {
	switch {
	case attempt.Status == model.PaymentCompleted && ev.Outcome == gateway.Succeeded:
		if attempt.TransactionID != nil && *attempt.TransactionID == ev.TransactionID {
			return nil
		}
		detail := fmt.Sprintf("success replay with transaction %q but attempt settled by %q (correlation %s)",
			ev.TransactionID, deref(attempt.TransactionID), attempt.CorrelationID)
		c.alert(attempt.BookingID, detail)
		return &ledger.InconsistencyError{BookingID: attempt.BookingID, Detail: detail}
	case attempt.Status == model.PaymentFailed && ev.Outcome == gateway.Failed:
		return nil
	default:
		detail := fmt.Sprintf("event outcome %s conflicts with stored attempt status %s (correlation %s)",
			ev.Outcome, attempt.Status, attempt.CorrelationID)
		c.alert(attempt.BookingID, detail)
		return &ledger.InconsistencyError{BookingID: attempt.BookingID, Detail: detail}
	}
}

// settleSideEffects fires the post-confirmation effects: the
// confirmed notification and the loyalty accrual. Called exactly once
// per booking, on the call that performed the transition.
func (c *Coordinator) settleSideEffects(ctx context.Context, attempt *repository.AttemptRecord) {
	booking, err := c.ledger.Get(ctx, attempt.BookingID)
	if err != nil {
		log.Printf("reconcile: load booking %d for side effects: %v", attempt.BookingID, err)
		return
	}
	if c.rewards != nil {
		c.rewards.Award(ctx, booking.PassengerID, booking.TotalPriceCents)
	}
	if c.notifier == nil {
		return
	}
	trip, err := c.trips.GetByID(ctx, booking.TripID)
	if err != nil {
		log.Printf("reconcile: load trip %d for notification: %v", booking.TripID, err)
		return
	}
	labels, err := c.holds.LabelsByBooking(ctx, booking.ID)
	if err != nil {
		log.Printf("reconcile: load seats for booking %d: %v", booking.ID, err)
	}
	ev := queue.BookingConfirmedEvent{
		BookingID:        booking.ID,
		ConfirmationCode: booking.ConfirmationCode,
		PassengerID:      booking.PassengerID,
		PassengerName:    booking.PassengerName,
		PassengerPhone:   booking.PassengerPhone,
		TripID:           trip.ID,
		Route:            trip.Route,
		DepartsAt:        trip.DepartsAt.UTC().Format("2006-01-02 15:04:05"),
		SeatLabels:       labels,
		TotalAmountCents: booking.TotalPriceCents,
		GatewayKind:      attempt.Gateway,
		GatewayTxnID:     deref(booking.GatewayTxnID),
		ConfirmedAt:      time.Now().UTC().Format("2006-01-02 15:04:05"),
	}
	if err := c.notifier.PublishBookingConfirmed(ctx, ev); err != nil {
		log.Printf("reconcile: publish confirmed event for booking %d: %v", booking.ID, err)
	}
}

// NotifyExpired publishes the cancellation notice for a booking the
// expiry sweep already cancelled. It satisfies the reaper's Notifier
// so timeout cancellations reach the broker the same way
// gateway-failure cancellations do.
func (c *Coordinator) NotifyExpired(ctx context.Context, bookingID uint64, reason string) {
	c.notifyCancelled(ctx, bookingID, reason)
}

// notifyCancelled publishes the cancelled notification. Best-effort.
func (c *Coordinator) notifyCancelled(ctx context.Context, bookingID uint64, reason string) {
	if c.notifier == nil {
		return
	}
	booking, err := c.ledger.Get(ctx, bookingID)
	if err != nil {
		log.Printf("reconcile: load booking %d for cancellation notice: %v", bookingID, err)
		return
	}
	route := ""
	if trip, err := c.trips.GetByID(ctx, booking.TripID); err == nil {
		route = trip.Route
	}
	ev := queue.BookingCancelledEvent{
		BookingID:      booking.ID,
		PassengerID:    booking.PassengerID,
		PassengerPhone: booking.PassengerPhone,
		TripID:         booking.TripID,
		Route:          route,
		Reason:         reason,
		CancelledAt:    time.Now().UTC().Format("2006-01-02 15:04:05"),
	}
	if err := c.notifier.PublishBookingCancelled(ctx, ev); err != nil {
		log.Printf("reconcile: publish cancelled event for booking %d: %v", bookingID, err)
	}
}

// Adapter returns the registered adapter for a rail, if any.
func (c *Coordinator) Adapter(kind string) (gateway.Adapter, bool) {
	a, ok := c.adapters[kind]
	return a, ok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
