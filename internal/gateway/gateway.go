// Package gateway normalizes the two external payment rails behind a
// single Adapter interface. Raw gateway payloads are parsed and
// verified at this boundary and converted into the tagged Event type,
// so everything downstream of the adapters is rail-agnostic and
// exhaustively switched instead of probing optional fields.
package gateway

import (
	"context"
	"errors"
	"net/http"
)

// Outcome is the normalized result of a gateway event.
type Outcome int

const (
	// StillPending means the rail has not reached a decision yet; the
	// poller keeps polling and nothing else changes.
	StillPending Outcome = iota
	// Succeeded means the charge settled.
	Succeeded
	// Failed means the charge was declined, expired or timed out.
	Failed
)

// String implements fmt.Stringer for log lines.
func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return "STILL_PENDING"
	}
}

// Event is the tagged outcome shape shared by both rails. For
// Succeeded events TransactionID and SettledAmountCents are set; for
// Failed events ReasonCode and ReasonText are set.
type Event struct {
	Outcome            Outcome
	CorrelationID      string
	TransactionID      string
	SettledAmountCents int64
	ReasonCode         string
	ReasonText         string
}

// Handle correlates an initiated charge with the events it will later
// produce. CorrelationID matches inbound callbacks and poll results;
// ClientRef is handed to the client to complete payer-side
// authorization (card client secret, checkout request id).
type Handle struct {
	CorrelationID string
	ClientRef     string
}

// InitiateRequest carries the charge parameters common to both rails.
// PayerReference is a card payment token or a mobile phone number
// depending on the rail.
type InitiateRequest struct {
	BookingID      uint64
	AmountCents    uint32
	Currency       string
	PayerReference string
}

// ErrGatewayUnavailable wraps network or gateway-side failures during
// initiate or poll. The booking stays PENDING; the caller retries a
// bounded number of times before giving up and cancelling.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// ErrSignatureInvalid is returned when an inbound payload fails
// signature verification. The event must be dropped before it can
// touch any state.
var ErrSignatureInvalid = errors.New("invalid signature")

// ErrMalformedPayload is returned when an inbound payload cannot be
// parsed into an Event.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrPollUnsupported is returned by rails that only push events.
var ErrPollUnsupported = errors.New("polling not supported by this gateway")

// Adapter is the uniform interface over one payment rail.
type Adapter interface {
	// Kind identifies the rail (model.GatewayCard / model.GatewayMobileMoney).
	Kind() string
	// Initiate asks the rail to start a charge and returns the
	// correlation handle. It never mutates booking state.
	Initiate(ctx context.Context, req InitiateRequest) (Handle, error)
	// ParseCallback verifies and parses an inbound pushed payload.
	// Verification failures return ErrSignatureInvalid before any
	// parsing of the body is trusted.
	ParseCallback(payload []byte, headers http.Header) (Event, error)
	// PollStatus queries the rail for the current state of a charge.
	// Push-only rails return ErrPollUnsupported.
	PollStatus(ctx context.Context, correlationID string) (Event, error)
}
