package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/transit-booking/internal/model"
)

// signatureHeader carries the card processor's webhook signature in
// the form "t=<unix>,v1=<hex hmac>".
const signatureHeader = "X-Card-Signature"

// signatureTolerance bounds how old a signed webhook timestamp may be
// before the payload is rejected as a replay.
const signatureTolerance = 5 * time.Minute

// CardAdapter talks to a card processor. Charges are initiated
// server-side as payment intents; outcomes arrive as HMAC-signed
// webhooks. The processor has no query API for intents created this
// way, so PollStatus is unsupported.
type CardAdapter struct {
	baseURL       string
	apiKey        string
	webhookSecret []byte
	client        *http.Client
	now           func() time.Time
}

// NewCardAdapter builds the card rail adapter. baseURL is the
// processor API root without a trailing slash.
func NewCardAdapter(baseURL, apiKey, webhookSecret string) *CardAdapter {
	return &CardAdapter{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		webhookSecret: []byte(webhookSecret),
		client:        &http.Client{Timeout: 10 * time.Second},
		now:           time.Now,
	}
}

// Kind implements Adapter.
func (a *CardAdapter) Kind() string { return model.GatewayCard }

// cardIntent is the processor's payment-intent resource, trimmed to
// the fields this service reads.
type cardIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// Initiate creates a payment intent and returns its id as the
// correlation id plus the client secret the passenger's app needs to
// confirm the card.
func (a *CardAdapter) Initiate(ctx context.Context, req InitiateRequest) (Handle, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatUint(uint64(req.AmountCents), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("payment_method", req.PayerReference)
	form.Set("metadata[booking_id]", strconv.FormatUint(req.BookingID, 10))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Handle{}, fmt.Errorf("build intent request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Handle{}, fmt.Errorf("%w: card processor returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Handle{}, fmt.Errorf("card processor rejected intent: status %d", resp.StatusCode)
	}

	var intent cardIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return Handle{}, fmt.Errorf("decode intent response: %w", err)
	}
	if intent.ID == "" {
		return Handle{}, fmt.Errorf("card processor returned intent without id")
	}
	return Handle{CorrelationID: intent.ID, ClientRef: intent.ClientSecret}, nil
}

// cardWebhook is the signed event envelope pushed by the processor.
type cardWebhook struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID             string `json:"id"`
			AmountReceived int64  `json:"amount_received"`
			LatestCharge   string `json:"latest_charge"`
			LastError      struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// ParseCallback verifies the webhook signature against the raw body
// and normalizes the event. Unknown event types come back as
// StillPending so the caller acks them without touching state.
func (a *CardAdapter) ParseCallback(payload []byte, headers http.Header) (Event, error) {
	if err := a.verifySignature(payload, headers.Get(signatureHeader)); err != nil {
		return Event{}, err
	}

	var hook cardWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if hook.Data.Object.ID == "" {
		return Event{}, fmt.Errorf("%w: missing intent id", ErrMalformedPayload)
	}

	ev := Event{CorrelationID: hook.Data.Object.ID}
	switch hook.Type {
	case "payment_intent.succeeded":
		ev.Outcome = Succeeded
		ev.TransactionID = hook.Data.Object.LatestCharge
		if ev.TransactionID == "" {
			ev.TransactionID = hook.Data.Object.ID
		}
		ev.SettledAmountCents = hook.Data.Object.AmountReceived
	case "payment_intent.payment_failed", "payment_intent.canceled":
		ev.Outcome = Failed
		ev.ReasonCode = hook.Data.Object.LastError.Code
		ev.ReasonText = hook.Data.Object.LastError.Message
		if ev.ReasonCode == "" {
			ev.ReasonCode = hook.Type
		}
	default:
		ev.Outcome = StillPending
	}
	return ev, nil
}

// verifySignature checks the "t=...,v1=..." header: the v1 value must
// be HMAC-SHA256(secret, "<t>.<body>") and t must be recent.
func (a *CardAdapter) verifySignature(payload []byte, header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, signatureHeader)
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: header missing t or v1", ErrSignatureInvalid)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	age := a.now().Sub(time.Unix(unix, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, a.webhookSecret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range sigs {
		if hmac.Equal([]byte(want), []byte(sig)) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", ErrSignatureInvalid)
}

// PollStatus implements Adapter. The card rail is push-only.
func (a *CardAdapter) PollStatus(ctx context.Context, correlationID string) (Event, error) {
	return Event{}, ErrPollUnsupported
}
