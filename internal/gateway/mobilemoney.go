package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iliyamo/transit-booking/internal/model"
)

// stkTimestampLayout is the timestamp format the mobile-money API
// expects inside the request password.
const stkTimestampLayout = "20060102150405"

// stkProcessingCode marks a query response for a push the payer has
// not yet answered. It maps to StillPending rather than an error.
const stkProcessingCode = "500.001.1001"

// MobileMoneyAdapter talks to an STK-push mobile-money aggregator.
// Initiate triggers a PIN prompt on the payer's phone; the outcome
// arrives on a callback URL, or via PollStatus when the callback is
// lost. Callbacks are authenticated by source allow-listing at the
// edge, so ParseCallback performs no signature check of its own.
type MobileMoneyAdapter struct {
	baseURL     string
	apiKey      string
	shortcode   string
	passkey     string
	callbackURL string
	client      *http.Client
	now         func() time.Time
}

// NewMobileMoneyAdapter builds the mobile-money rail adapter.
func NewMobileMoneyAdapter(baseURL, apiKey, shortcode, passkey, callbackURL string) *MobileMoneyAdapter {
	return &MobileMoneyAdapter{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		shortcode:   shortcode,
		passkey:     passkey,
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: 15 * time.Second},
		now:         time.Now,
	}
}

// Kind implements Adapter.
func (a *MobileMoneyAdapter) Kind() string { return model.GatewayMobileMoney }

// password derives the per-request credential the aggregator expects:
// base64(shortcode + passkey + timestamp).
func (a *MobileMoneyAdapter) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(a.shortcode + a.passkey + ts))
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            uint32 `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
	CustomerMessage   string `json:"CustomerMessage"`
}

// Initiate sends the STK push. The returned CheckoutRequestID is the
// correlation id that later callbacks and queries carry.
func (a *MobileMoneyAdapter) Initiate(ctx context.Context, req InitiateRequest) (Handle, error) {
	ts := a.now().UTC().Format(stkTimestampLayout)
	body := stkPushRequest{
		BusinessShortCode: a.shortcode,
		Password:          a.password(ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		// The aggregator charges in whole currency units.
		Amount:           (req.AmountCents + 99) / 100,
		PartyA:           req.PayerReference,
		PartyB:           a.shortcode,
		PhoneNumber:      req.PayerReference,
		CallBackURL:      a.callbackURL,
		AccountReference: fmt.Sprintf("booking-%d", req.BookingID),
		TransactionDesc:  "transit booking payment",
	}

	var resp stkPushResponse
	if err := a.post(ctx, "/mpesa/stkpush/v1/processrequest", body, &resp); err != nil {
		return Handle{}, err
	}
	if resp.ResponseCode != "0" {
		return Handle{}, fmt.Errorf("mobile-money push rejected: %s %s", resp.ResponseCode, resp.ResponseDesc)
	}
	if resp.CheckoutRequestID == "" {
		return Handle{}, fmt.Errorf("mobile-money push accepted without checkout request id")
	}
	return Handle{CorrelationID: resp.CheckoutRequestID, ClientRef: resp.CustomerMessage}, nil
}

// stkCallback is the aggregator's result envelope. ResultCode 0 means
// the payer approved and the charge settled; any other code is a
// terminal failure (declined, wrong PIN, payer timeout).
type stkCallback struct {
	Body struct {
		StkCallback struct {
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback normalizes a pushed result. Success payloads carry the
// receipt number and settled amount in the metadata item list.
func (a *MobileMoneyAdapter) ParseCallback(payload []byte, _ http.Header) (Event, error) {
	var cb stkCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	sc := cb.Body.StkCallback
	if sc.CheckoutRequestID == "" {
		return Event{}, fmt.Errorf("%w: missing checkout request id", ErrMalformedPayload)
	}

	ev := Event{CorrelationID: sc.CheckoutRequestID}
	if sc.ResultCode != 0 {
		ev.Outcome = Failed
		ev.ReasonCode = fmt.Sprintf("%d", sc.ResultCode)
		ev.ReasonText = sc.ResultDesc
		return ev, nil
	}

	ev.Outcome = Succeeded
	for _, item := range sc.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			var receipt string
			if err := json.Unmarshal(item.Value, &receipt); err == nil {
				ev.TransactionID = receipt
			}
		case "Amount":
			var units float64
			if err := json.Unmarshal(item.Value, &units); err == nil {
				ev.SettledAmountCents = int64(units * 100)
			}
		}
	}
	if ev.TransactionID == "" {
		return Event{}, fmt.Errorf("%w: success callback without receipt number", ErrMalformedPayload)
	}
	return ev, nil
}

type stkQueryResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	ReceiptNumber     string `json:"ReceiptNumber"`
}

type stkErrorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// PollStatus queries the aggregator for a push whose callback never
// arrived. A "still under processing" answer maps to StillPending.
func (a *MobileMoneyAdapter) PollStatus(ctx context.Context, correlationID string) (Event, error) {
	ts := a.now().UTC().Format(stkTimestampLayout)
	body := map[string]string{
		"BusinessShortCode": a.shortcode,
		"Password":          a.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": correlationID,
	}

	raw, status, err := a.postRaw(ctx, "/mpesa/stkpushquery/v1/query", body)
	if err != nil {
		return Event{}, err
	}

	if status != http.StatusOK {
		var apiErr stkErrorResponse
		if jsonErr := json.Unmarshal(raw, &apiErr); jsonErr == nil && apiErr.ErrorCode == stkProcessingCode {
			return Event{Outcome: StillPending, CorrelationID: correlationID}, nil
		}
		if status >= 500 {
			return Event{}, fmt.Errorf("%w: query returned %d", ErrGatewayUnavailable, status)
		}
		return Event{}, fmt.Errorf("mobile-money query failed: status %d", status)
	}

	var resp stkQueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := Event{CorrelationID: correlationID}
	switch resp.ResultCode {
	case "0":
		ev.Outcome = Succeeded
		ev.TransactionID = resp.ReceiptNumber
		if ev.TransactionID == "" {
			ev.TransactionID = correlationID
		}
	case "":
		ev.Outcome = StillPending
	default:
		ev.Outcome = Failed
		ev.ReasonCode = resp.ResultCode
		ev.ReasonText = resp.ResultDesc
	}
	return ev, nil
}

func (a *MobileMoneyAdapter) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	raw, status, err := a.postRaw(ctx, path, body)
	if err != nil {
		return err
	}
	if status >= 500 {
		return fmt.Errorf("%w: aggregator returned %d", ErrGatewayUnavailable, status)
	}
	if status != http.StatusOK {
		return fmt.Errorf("mobile-money request failed: status %d", status)
	}
	return json.Unmarshal(raw, out)
}

func (a *MobileMoneyAdapter) postRaw(ctx context.Context, path string, body interface{}) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}
	return buf.Bytes(), resp.StatusCode, nil
}
