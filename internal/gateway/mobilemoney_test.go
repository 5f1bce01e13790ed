package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMomoAdapter(base string) *MobileMoneyAdapter {
	a := NewMobileMoneyAdapter(base, "token_test", "174379", "passkey_test", "https://example.com/v1/callbacks/mobile-money")
	a.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestMomoInitiateSendsPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
		require.Equal(t, "Bearer token_test", r.Header.Get("Authorization"))
		var body stkPushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "174379", body.BusinessShortCode)
		require.Equal(t, "20250601120000", body.Timestamp)
		require.Equal(t, uint32(30), body.Amount, "3000 cents charges as 30 whole units")
		require.Equal(t, "254700111222", body.PhoneNumber)
		fmt.Fprint(w, `{"CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success","CustomerMessage":"prompt sent"}`)
	}))
	defer srv.Close()

	a := newTestMomoAdapter(srv.URL)
	handle, err := a.Initiate(context.Background(), InitiateRequest{
		BookingID: 21, AmountCents: 3000, Currency: "KES", PayerReference: "254700111222",
	})
	require.NoError(t, err)
	require.Equal(t, "ws_CO_1", handle.CorrelationID)
	require.Equal(t, "prompt sent", handle.ClientRef)
}

func TestMomoInitiateRejectedPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ResponseCode":"1","ResponseDescription":"Insufficient funds on shortcode"}`)
	}))
	defer srv.Close()

	a := newTestMomoAdapter(srv.URL)
	_, err := a.Initiate(context.Background(), InitiateRequest{BookingID: 21, AmountCents: 3000, PayerReference: "254700111222"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrGatewayUnavailable)
}

func TestMomoParseCallbackSuccess(t *testing.T) {
	a := newTestMomoAdapter("")
	payload := []byte(`{"Body":{"stkCallback":{
		"CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":30.0},
			{"Name":"MpesaReceiptNumber","Value":"RCPT001"},
			{"Name":"PhoneNumber","Value":254700111222}
		]}}}}`)

	ev, err := a.ParseCallback(payload, nil)
	require.NoError(t, err)
	require.Equal(t, Succeeded, ev.Outcome)
	require.Equal(t, "ws_CO_1", ev.CorrelationID)
	require.Equal(t, "RCPT001", ev.TransactionID)
	require.Equal(t, int64(3000), ev.SettledAmountCents)
}

func TestMomoParseCallbackFailure(t *testing.T) {
	a := newTestMomoAdapter("")
	payload := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)

	ev, err := a.ParseCallback(payload, nil)
	require.NoError(t, err)
	require.Equal(t, Failed, ev.Outcome)
	require.Equal(t, "1032", ev.ReasonCode)
	require.Equal(t, "Request cancelled by user", ev.ReasonText)
}

func TestMomoParseCallbackSuccessWithoutReceiptIsMalformed(t *testing.T) {
	a := newTestMomoAdapter("")
	payload := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok"}}}`)

	_, err := a.ParseCallback(payload, nil)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestMomoParseCallbackMissingCheckoutIDIsMalformed(t *testing.T) {
	a := newTestMomoAdapter("")
	_, err := a.ParseCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`), nil)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestMomoPollStatusOutcomes(t *testing.T) {
	responses := map[string]struct {
		status int
		body   string
	}{
		"settled":    {http.StatusOK, `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"0","ResultDesc":"processed","ReceiptNumber":"RCPT001"}`},
		"declined":   {http.StatusOK, `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"1032","ResultDesc":"cancelled by user"}`},
		"processing": {http.StatusInternalServerError, `{"errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`},
	}
	var current string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mpesa/stkpushquery/v1/query", r.URL.Path)
		resp := responses[current]
		w.WriteHeader(resp.status)
		fmt.Fprint(w, resp.body)
	}))
	defer srv.Close()
	a := newTestMomoAdapter(srv.URL)

	current = "settled"
	ev, err := a.PollStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, Succeeded, ev.Outcome)
	require.Equal(t, "RCPT001", ev.TransactionID)

	current = "declined"
	ev, err = a.PollStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, Failed, ev.Outcome)
	require.Equal(t, "1032", ev.ReasonCode)

	current = "processing"
	ev, err = a.PollStatus(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	require.Equal(t, StillPending, ev.Outcome)
}
