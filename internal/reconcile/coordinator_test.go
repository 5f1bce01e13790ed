package reconcile

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/transit-booking/internal/gateway"
	"github.com/iliyamo/transit-booking/internal/ledger"
	"github.com/iliyamo/transit-booking/internal/queue"
	"github.com/iliyamo/transit-booking/internal/repository"
)

// fakeAttempts keeps one attempt in memory and emulates the row lock
// GetForUpdateTx takes in production: the lock is held until the
// terminal write releases it, or released immediately when the row is
// already terminal and no write will follow.
type fakeAttempts struct {
	mu      sync.Mutex
	rowLock sync.Mutex
	rec     repository.AttemptRecord

	completeCalls int
	failCalls     int
	created       []repository.AttemptRecord
	pollable      []repository.AttemptRecord
	activeErr     error
}

func (f *fakeAttempts) Create(ctx context.Context, rec *repository.AttemptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = uint64(len(f.created) + 100)
	rec.Status = "PENDING"
	f.created = append(f.created, *rec)
	return nil
}

func (f *fakeAttempts) GetByCorrelationID(ctx context.Context, correlationID string) (*repository.AttemptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec.CorrelationID != correlationID {
		return nil, repository.ErrAttemptNotFound
	}
	rec := f.rec
	return &rec, nil
}

func (f *fakeAttempts) GetForUpdateTx(ctx context.Context, tx *sql.Tx, attemptID uint64) (*repository.AttemptRecord, error) {
	f.rowLock.Lock()
	f.mu.Lock()
	rec := f.rec
	f.mu.Unlock()
	if rec.Status == "COMPLETED" || rec.Status == "FAILED" {
		f.rowLock.Unlock()
	}
	return &rec, nil
}

func (f *fakeAttempts) ActiveByBooking(ctx context.Context, bookingID uint64) (*repository.AttemptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	rec := f.rec
	return &rec, nil
}

func (f *fakeAttempts) MarkProcessingTx(ctx context.Context, tx *sql.Tx, attemptID uint64) error {
	return nil
}

func (f *fakeAttempts) CompleteTx(ctx context.Context, tx *sql.Tx, attemptID uint64, transactionID string) error {
	f.mu.Lock()
	f.rec.Status = "COMPLETED"
	f.rec.TransactionID = &transactionID
	f.completeCalls++
	f.mu.Unlock()
	f.rowLock.Unlock()
	return nil
}

func (f *fakeAttempts) FailTx(ctx context.Context, tx *sql.Tx, attemptID uint64, resultCode, resultDesc string) error {
	f.mu.Lock()
	f.rec.Status = "FAILED"
	f.rec.ResultCode = &resultCode
	f.rec.ResultDesc = &resultDesc
	f.failCalls++
	f.mu.Unlock()
	f.rowLock.Unlock()
	return nil
}

func (f *fakeAttempts) ListPollable(ctx context.Context, cutoff time.Time) ([]repository.AttemptRecord, error) {
	return f.pollable, nil
}

// fakeLedger records transition requests without touching a database.
type fakeLedger struct {
	mu           sync.Mutex
	booking      repository.BookingRecord
	confirmCalls []string
	cancelCalls  []string
	confirmErr   error
	cancelErr    error
}

func (f *fakeLedger) ConfirmTx(ctx context.Context, tx *sql.Tx, bookingID uint64, gatewayTxnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmCalls = append(f.confirmCalls, gatewayTxnID)
	f.booking.Status = "CONFIRMED"
	f.booking.PaymentStatus = "COMPLETED"
	txn := gatewayTxnID
	f.booking.GatewayTxnID = &txn
	return nil
}

func (f *fakeLedger) CancelTx(ctx context.Context, tx *sql.Tx, bookingID uint64, reason string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancelCalls = append(f.cancelCalls, reason)
	f.booking.Status = "CANCELLED"
	f.booking.PaymentStatus = "FAILED"
	return []string{"4C"}, nil
}

func (f *fakeLedger) Cancel(ctx context.Context, bookingID uint64, reason string) error {
	_, err := f.CancelTx(ctx, nil, bookingID, reason)
	return err
}

func (f *fakeLedger) Get(ctx context.Context, bookingID uint64) (*repository.BookingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.booking
	return &rec, nil
}

type fakeTrips struct{}

func (fakeTrips) GetByID(ctx context.Context, tripID uint64) (*repository.TripRecord, error) {
	return &repository.TripRecord{ID: tripID, Route: "NBO-MSA", DepartsAt: time.Now().Add(6 * time.Hour), SeatCount: 40, PriceCents: 1500, Status: "SCHEDULED"}, nil
}

type fakeHolds struct{}

func (fakeHolds) LabelsByBooking(ctx context.Context, bookingID uint64) ([]string, error) {
	return []string{"4C"}, nil
}

type fakeBookings struct{}

func (fakeBookings) MarkProcessingTx(ctx context.Context, tx *sql.Tx, bookingID uint64) error {
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	confirmed []queue.BookingConfirmedEvent
	cancelled []queue.BookingCancelledEvent
}

func (f *fakeNotifier) PublishBookingConfirmed(ctx context.Context, ev queue.BookingConfirmedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, ev)
	return nil
}

func (f *fakeNotifier) PublishBookingCancelled(ctx context.Context, ev queue.BookingCancelledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ev)
	return nil
}

type fakeRewards struct {
	mu     sync.Mutex
	awards []uint32
}

func (f *fakeRewards) Award(ctx context.Context, passengerID string, amountCents uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awards = append(f.awards, amountCents)
}

type fakeAdapter struct {
	kind        string
	initiateErr error
	handle      gateway.Handle
	calls       int
}

func (f *fakeAdapter) Kind() string { return f.kind }

func (f *fakeAdapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.Handle, error) {
	f.calls++
	if f.initiateErr != nil {
		return gateway.Handle{}, f.initiateErr
	}
	return f.handle, nil
}

func (f *fakeAdapter) ParseCallback(payload []byte, _ http.Header) (gateway.Event, error) {
	return gateway.Event{}, nil
}

func (f *fakeAdapter) PollStatus(ctx context.Context, correlationID string) (gateway.Event, error) {
	return gateway.Event{}, gateway.ErrPollUnsupported
}

type testEnv struct {
	coord    *Coordinator
	mock     sqlmock.Sqlmock
	attempts *fakeAttempts
	ledger   *fakeLedger
	notifier *fakeNotifier
	rewards  *fakeRewards
	alerts   *[]string
	adapter  *fakeAdapter
}

func newTestCoordinator(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	attempts := &fakeAttempts{
		rec: repository.AttemptRecord{
			ID: 51, BookingID: 21, Gateway: "MOBILE_MONEY",
			CorrelationID: "ws_CO_1", AmountCents: 3000, Currency: "KES", Status: "PROCESSING",
		},
	}
	lg := &fakeLedger{booking: repository.BookingRecord{
		ID: 21, TripID: 3, PassengerID: "user-77", PassengerName: "Amina Odhiambo",
		PassengerPhone: "254700111222", TotalPriceCents: 3000,
		ConfirmationCode: "TB-250101-AAAAAAAAAA", Status: "PENDING", PaymentStatus: "PROCESSING",
	}}
	notifier := &fakeNotifier{}
	rewards := &fakeRewards{}
	alerts := &[]string{}
	var alertsMu sync.Mutex
	adapter := &fakeAdapter{kind: "MOBILE_MONEY", handle: gateway.Handle{CorrelationID: "ws_CO_1", ClientRef: "prompt sent"}}

	coord := New(db, attempts, fakeBookings{}, fakeTrips{}, fakeHolds{}, lg,
		nil, notifier, rewards, nil,
		func(bookingID uint64, detail string) {
			alertsMu.Lock()
			defer alertsMu.Unlock()
			*alerts = append(*alerts, detail)
		},
		3, time.Millisecond)
	coord.adapters[adapter.kind] = adapter
	coord.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &testEnv{coord: coord, mock: mock, attempts: attempts, ledger: lg,
		notifier: notifier, rewards: rewards, alerts: alerts, adapter: adapter}
}

func successEvent() gateway.Event {
	return gateway.Event{
		Outcome:            gateway.Succeeded,
		CorrelationID:      "ws_CO_1",
		TransactionID:      "RCPT001",
		SettledAmountCents: 3000,
	}
}

func TestApplyEventStillPendingIsNoOp(t *testing.T) {
	env := newTestCoordinator(t)

	err := env.coord.ApplyEvent(context.Background(), gateway.Event{Outcome: gateway.StillPending, CorrelationID: "ws_CO_1"})
	require.NoError(t, err)
	require.Equal(t, "PROCESSING", env.attempts.rec.Status)
	require.Empty(t, env.ledger.confirmCalls)
}

func TestApplyEventSuccessConfirmsAndFiresSideEffectsOnce(t *testing.T) {
	env := newTestCoordinator(t)
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	err := env.coord.ApplyEvent(context.Background(), successEvent())
	require.NoError(t, err)

	require.Equal(t, "COMPLETED", env.attempts.rec.Status)
	require.Equal(t, []string{"RCPT001"}, env.ledger.confirmCalls)
	require.Equal(t, "CONFIRMED", env.ledger.booking.Status)
	require.Len(t, env.notifier.confirmed, 1)
	require.Equal(t, "TB-250101-AAAAAAAAAA", env.notifier.confirmed[0].ConfirmationCode)
	require.Equal(t, []uint32{3000}, env.rewards.awards)
	require.Empty(t, *env.alerts)
}

func TestApplyEventReplaySameOutcomeIsSilentNoOp(t *testing.T) {
	env := newTestCoordinator(t)
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()
	require.NoError(t, env.coord.ApplyEvent(context.Background(), successEvent()))

	// The duplicate delivery rolls back without writing or notifying.
	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	require.NoError(t, env.coord.ApplyEvent(context.Background(), successEvent()))

	require.Equal(t, 1, env.attempts.completeCalls)
	require.Len(t, env.ledger.confirmCalls, 1)
	require.Len(t, env.notifier.confirmed, 1)
	require.Len(t, env.rewards.awards, 1)
}

func TestApplyEventConflictingOutcomePreservesStoredState(t *testing.T) {
	env := newTestCoordinator(t)
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()
	require.NoError(t, env.coord.ApplyEvent(context.Background(), successEvent()))

	env.mock.ExpectBegin()
	env.mock.ExpectRollback()
	err := env.coord.ApplyEvent(context.Background(), gateway.Event{
		Outcome: gateway.Failed, CorrelationID: "ws_CO_1", ReasonCode: "1032", ReasonText: "cancelled by user",
	})

	var inconsistency *ledger.InconsistencyError
	require.ErrorAs(t, err, &inconsistency)
	require.Equal(t, uint64(21), inconsistency.BookingID)
	require.Equal(t, "COMPLETED", env.attempts.rec.Status)
	require.Equal(t, "CONFIRMED", env.ledger.booking.Status)
	require.Empty(t, env.ledger.cancelCalls)
	require.NotEmpty(t, *env.alerts)
}

func TestApplyEventFailureCancelsBooking(t *testing.T) {
	env := newTestCoordinator(t)
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	err := env.coord.ApplyEvent(context.Background(), gateway.Event{
		Outcome: gateway.Failed, CorrelationID: "ws_CO_1", ReasonCode: "2001", ReasonText: "wrong PIN",
	})
	require.NoError(t, err)

	require.Equal(t, "FAILED", env.attempts.rec.Status)
	require.Equal(t, []string{CancelReasonFailed}, env.ledger.cancelCalls)
	require.Len(t, env.notifier.cancelled, 1)
	require.Equal(t, CancelReasonFailed, env.notifier.cancelled[0].Reason)
	require.Empty(t, env.notifier.confirmed)
}

func TestApplyEventSuccessAgainstCancelledBookingAlerts(t *testing.T) {
	env := newTestCoordinator(t)
	env.ledger.confirmErr = &ledger.InconsistencyError{BookingID: 21, Detail: "confirm against cancelled booking"}
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	err := env.coord.ApplyEvent(context.Background(), successEvent())

	var inconsistency *ledger.InconsistencyError
	require.ErrorAs(t, err, &inconsistency)
	// The settlement is still recorded on the attempt for the books.
	require.Equal(t, "COMPLETED", env.attempts.rec.Status)
	require.NotEmpty(t, *env.alerts)
	require.Empty(t, env.notifier.confirmed, "no confirmation notice for a booking that stayed cancelled")
	require.Empty(t, env.rewards.awards)
}

func TestApplyEventUnknownCorrelationReturnsNotFound(t *testing.T) {
	env := newTestCoordinator(t)

	err := env.coord.ApplyEvent(context.Background(), gateway.Event{Outcome: gateway.Succeeded, CorrelationID: "ws_unknown"})
	require.ErrorIs(t, err, repository.ErrAttemptNotFound)
}

func TestApplyEventConcurrentDeliveriesConfirmOnce(t *testing.T) {
	env := newTestCoordinator(t)
	// Two deliveries race: one commits the transition, the other
	// replays against the now-terminal attempt and rolls back.
	env.mock.ExpectBegin()
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()
	env.mock.ExpectRollback()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.coord.ApplyEvent(context.Background(), successEvent())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 1, env.attempts.completeCalls)
	require.Len(t, env.ledger.confirmCalls, 1)
	require.Len(t, env.notifier.confirmed, 1)
	require.Len(t, env.rewards.awards, 1)
}

func TestInitiatePaymentReturnsActiveAttemptInsteadOfDoubleCharging(t *testing.T) {
	env := newTestCoordinator(t)

	res, err := env.coord.InitiatePayment(context.Background(), 21, "MOBILE_MONEY", "254700111222")
	require.NoError(t, err)
	require.Equal(t, "ws_CO_1", res.Attempt.CorrelationID)
	require.Zero(t, env.adapter.calls, "gateway must not be charged again while an attempt is live")
}

func TestInitiatePaymentSuccessMarksProcessing(t *testing.T) {
	env := newTestCoordinator(t)
	env.attempts.activeErr = repository.ErrAttemptNotFound
	env.adapter.handle = gateway.Handle{CorrelationID: "ws_CO_2", ClientRef: "prompt sent"}
	env.mock.ExpectBegin()
	env.mock.ExpectCommit()

	res, err := env.coord.InitiatePayment(context.Background(), 21, "MOBILE_MONEY", "254700111222")
	require.NoError(t, err)
	require.Equal(t, 1, env.adapter.calls)
	require.Equal(t, "ws_CO_2", res.Attempt.CorrelationID)
	require.Equal(t, "PROCESSING", res.Attempt.Status)
	require.Equal(t, "prompt sent", res.ClientRef)
	require.Len(t, env.attempts.created, 1)
}

func TestInitiatePaymentExhaustedRetriesCancelsBooking(t *testing.T) {
	env := newTestCoordinator(t)
	env.attempts.activeErr = repository.ErrAttemptNotFound
	env.adapter.initiateErr = gateway.ErrGatewayUnavailable

	_, err := env.coord.InitiatePayment(context.Background(), 21, "MOBILE_MONEY", "254700111222")
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	require.Equal(t, 3, env.adapter.calls)
	require.Equal(t, []string{CancelReasonFailed}, env.ledger.cancelCalls)
	require.Len(t, env.notifier.cancelled, 1)
}

func TestInitiatePaymentRejectsNonPendingBooking(t *testing.T) {
	env := newTestCoordinator(t)
	env.ledger.booking.Status = "CANCELLED"

	_, err := env.coord.InitiatePayment(context.Background(), 21, "MOBILE_MONEY", "254700111222")
	require.ErrorIs(t, err, ErrBookingNotPayable)
}

func TestInitiatePaymentUnknownGateway(t *testing.T) {
	env := newTestCoordinator(t)
	env.attempts.activeErr = repository.ErrAttemptNotFound

	_, err := env.coord.InitiatePayment(context.Background(), 21, "CRYPTO", "0xdead")
	require.ErrorIs(t, err, ErrUnknownGateway)
}

func TestNotifyExpiredPublishesCancelledEvent(t *testing.T) {
	env := newTestCoordinator(t)
	env.ledger.booking.Status = "CANCELLED"

	env.coord.NotifyExpired(context.Background(), 21, "payment timeout")

	require.Len(t, env.notifier.cancelled, 1)
	ev := env.notifier.cancelled[0]
	require.Equal(t, uint64(21), ev.BookingID)
	require.Equal(t, "payment timeout", ev.Reason)
	require.Equal(t, "NBO-MSA", ev.Route)
	require.Equal(t, "254700111222", ev.PassengerPhone)
}
