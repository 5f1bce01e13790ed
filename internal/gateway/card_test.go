package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func signCardPayload(t *testing.T, payload []byte, ts time.Time) string {
	t.Helper()
	unix := fmt.Sprintf("%d", ts.Unix())
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}

func newTestCardAdapter(base string) *CardAdapter {
	a := NewCardAdapter(base, "sk_test", testWebhookSecret)
	a.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return a
}

func TestCardParseCallbackSucceeded(t *testing.T) {
	a := newTestCardAdapter("")
	payload := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount_received":3000,"latest_charge":"ch_1"}}}`)
	headers := http.Header{}
	headers.Set(signatureHeader, signCardPayload(t, payload, a.now()))

	ev, err := a.ParseCallback(payload, headers)
	require.NoError(t, err)
	require.Equal(t, Succeeded, ev.Outcome)
	require.Equal(t, "pi_1", ev.CorrelationID)
	require.Equal(t, "ch_1", ev.TransactionID)
	require.Equal(t, int64(3000), ev.SettledAmountCents)
}

func TestCardParseCallbackFailed(t *testing.T) {
	a := newTestCardAdapter("")
	payload := []byte(`{"type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","last_payment_error":{"code":"card_declined","message":"Your card was declined."}}}}`)
	headers := http.Header{}
	headers.Set(signatureHeader, signCardPayload(t, payload, a.now()))

	ev, err := a.ParseCallback(payload, headers)
	require.NoError(t, err)
	require.Equal(t, Failed, ev.Outcome)
	require.Equal(t, "card_declined", ev.ReasonCode)
	require.Equal(t, "Your card was declined.", ev.ReasonText)
}

func TestCardParseCallbackUnknownTypeIsStillPending(t *testing.T) {
	a := newTestCardAdapter("")
	payload := []byte(`{"type":"payment_intent.created","data":{"object":{"id":"pi_1"}}}`)
	headers := http.Header{}
	headers.Set(signatureHeader, signCardPayload(t, payload, a.now()))

	ev, err := a.ParseCallback(payload, headers)
	require.NoError(t, err)
	require.Equal(t, StillPending, ev.Outcome)
}

func TestCardParseCallbackRejectsBadSignature(t *testing.T) {
	a := newTestCardAdapter("")
	payload := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	headers := http.Header{}
	headers.Set(signatureHeader, fmt.Sprintf("t=%d,v1=deadbeef", a.now().Unix()))
	_, err := a.ParseCallback(payload, headers)
	require.ErrorIs(t, err, ErrSignatureInvalid)

	// Tampered body under a signature minted for different content.
	headers.Set(signatureHeader, signCardPayload(t, []byte(`{"type":"other"}`), a.now()))
	_, err = a.ParseCallback(payload, headers)
	require.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = a.ParseCallback(payload, http.Header{})
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCardParseCallbackRejectsStaleTimestamp(t *testing.T) {
	a := newTestCardAdapter("")
	payload := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	headers := http.Header{}
	headers.Set(signatureHeader, signCardPayload(t, payload, a.now().Add(-signatureTolerance-time.Minute)))

	_, err := a.ParseCallback(payload, headers)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCardInitiateCreatesIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "3000", r.PostFormValue("amount"))
		require.Equal(t, "kes", r.PostFormValue("currency"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_9","client_secret":"pi_9_secret","status":"requires_confirmation"}`)
	}))
	defer srv.Close()

	a := newTestCardAdapter(srv.URL)
	handle, err := a.Initiate(context.Background(), InitiateRequest{
		BookingID: 21, AmountCents: 3000, Currency: "KES", PayerReference: "pm_card_tok",
	})
	require.NoError(t, err)
	require.Equal(t, "pi_9", handle.CorrelationID)
	require.Equal(t, "pi_9_secret", handle.ClientRef)
}

func TestCardInitiateServerErrorIsGatewayUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestCardAdapter(srv.URL)
	_, err := a.Initiate(context.Background(), InitiateRequest{BookingID: 21, AmountCents: 3000, Currency: "KES"})
	require.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestCardPollStatusUnsupported(t *testing.T) {
	a := newTestCardAdapter("")
	_, err := a.PollStatus(context.Background(), "pi_1")
	require.ErrorIs(t, err, ErrPollUnsupported)
}
