package handler

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-booking/internal/gateway"
	"github.com/iliyamo/transit-booking/internal/ledger"
	"github.com/iliyamo/transit-booking/internal/model"
	"github.com/iliyamo/transit-booking/internal/reconcile"
	"github.com/iliyamo/transit-booking/internal/repository"
)

// mobileMoneyTimeoutCode is the result code synthesized for timeout
// callbacks, matching the aggregator's own "transaction expired" code.
const mobileMoneyTimeoutCode = "1037"

// WebhookHandler receives the pushed gateway events. These routes are
// unauthenticated at the JWT layer: the card rail authenticates with
// an HMAC signature over the raw body, the mobile-money rail by source
// allow-listing at the edge.
type WebhookHandler struct {
	Coord *reconcile.Coordinator
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(coord *reconcile.Coordinator) *WebhookHandler {
	if coord == nil {
		panic("nil coordinator passed to NewWebhookHandler")
	}
	return &WebhookHandler{Coord: coord}
}

// CardWebhook handles POST /v1/webhooks/card. Signature failures are
// 400 so the processor knows the delivery was rejected; idempotent
// replays and preserved inconsistencies are 200 so it stops retrying;
// transient storage errors are 500 so it retries later.
func (h *WebhookHandler) CardWebhook(c echo.Context) error {
	adapter, ok := h.Coord.Adapter(model.GatewayCard)
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "card rail not configured"})
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	ev, err := adapter.ParseCallback(body, c.Request().Header)
	if err != nil {
		if errors.Is(err, gateway.ErrSignatureInvalid) || errors.Is(err, gateway.ErrMalformedPayload) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "rejected"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	status := h.applyAndClassify(c, ev)
	return c.JSON(status, echo.Map{"received": true})
}

// MobileMoneyCallback handles POST /v1/callbacks/mobile-money. The
// aggregator expects the same fixed acknowledgement body regardless of
// what we did with the payload; failures are logged and reconciled by
// the poller instead of being surfaced to the aggregator.
func (h *WebhookHandler) MobileMoneyCallback(c echo.Context) error {
	adapter, ok := h.Coord.Adapter(model.GatewayMobileMoney)
	if !ok {
		return mobileMoneyAck(c)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		log.Printf("webhook: read mobile-money callback: %v", err)
		return mobileMoneyAck(c)
	}
	ev, err := adapter.ParseCallback(body, c.Request().Header)
	if err != nil {
		log.Printf("webhook: parse mobile-money callback: %v", err)
		return mobileMoneyAck(c)
	}
	h.applyAndClassify(c, ev)
	return mobileMoneyAck(c)
}

// MobileMoneyTimeout handles POST /v1/callbacks/mobile-money/timeout,
// the aggregator's notice that the push expired unanswered. It is
// applied as a failure for the named checkout request.
func (h *WebhookHandler) MobileMoneyTimeout(c echo.Context) error {
	var body struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
	}
	if err := c.Bind(&body); err != nil || body.CheckoutRequestID == "" {
		log.Printf("webhook: malformed mobile-money timeout callback")
		return mobileMoneyAck(c)
	}
	ev := gateway.Event{
		Outcome:       gateway.Failed,
		CorrelationID: body.CheckoutRequestID,
		ReasonCode:    mobileMoneyTimeoutCode,
		ReasonText:    "request timed out without payer action",
	}
	h.applyAndClassify(c, ev)
	return mobileMoneyAck(c)
}

// applyAndClassify runs the event through the coordinator and maps the
// result onto a response status. Unknown correlation ids are 404:
// either a misdirected delivery or an event that raced attempt
// creation, in which case the rail's retry will find the attempt.
func (h *WebhookHandler) applyAndClassify(c echo.Context, ev gateway.Event) int {
	err := h.Coord.ApplyEvent(c.Request().Context(), ev)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, repository.ErrAttemptNotFound):
		return http.StatusNotFound
	default:
		var inconsistency *ledger.InconsistencyError
		if errors.As(err, &inconsistency) {
			// Already alerted by the coordinator; acknowledged so the
			// rail stops redelivering an event we will never apply.
			return http.StatusOK
		}
		log.Printf("webhook: apply event (correlation %s): %v", ev.CorrelationID, err)
		return http.StatusInternalServerError
	}
}

func mobileMoneyAck(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"ResultCode": 0, "ResultDesc": "Accepted"})
}
