package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-booking/internal/model"
	"github.com/iliyamo/transit-booking/internal/reconcile"
	"github.com/iliyamo/transit-booking/internal/repository"
)

// PaymentHandler initiates charges and serves payment status polling.
type PaymentHandler struct {
	Coord    *reconcile.Coordinator
	Attempts *repository.PaymentAttemptRepo
	Bookings *repository.BookingRepo
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(coord *reconcile.Coordinator, attempts *repository.PaymentAttemptRepo, bookings *repository.BookingRepo) *PaymentHandler {
	if coord == nil || attempts == nil || bookings == nil {
		panic("nil dependency passed to NewPaymentHandler")
	}
	return &PaymentHandler{Coord: coord, Attempts: attempts, Bookings: bookings}
}

// InitiatePayment handles POST /v1/bookings/:id/payments. The body
// selects the rail and carries the payer reference (card payment token
// or mobile number). Re-posting while an attempt is still in flight
// returns that attempt instead of charging twice.
func (h *PaymentHandler) InitiatePayment(c echo.Context) error {
	passengerID, err := getPassengerID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	bookingID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	var body struct {
		Gateway        string `json:"gateway"`
		PayerReference string `json:"payer_reference"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Gateway != model.GatewayCard && body.Gateway != model.GatewayMobileMoney {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "gateway must be CARD or MOBILE_MONEY"})
	}
	if body.PayerReference == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "payer_reference is required"})
	}

	ctx := c.Request().Context()
	booking, err := h.Bookings.GetByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if booking.PassengerID != passengerID {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	}

	res, err := h.Coord.InitiatePayment(ctx, bookingID, body.Gateway, body.PayerReference)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrBookingNotPayable):
			return c.JSON(http.StatusConflict, echo.Map{"error": "booking is no longer payable"})
		case errors.Is(err, reconcile.ErrUnknownGateway):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unsupported gateway"})
		}
		// Gateway exhaustion cancelled the booking; tell the client to
		// start over rather than retry this booking.
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment could not be initiated"})
	}

	return c.JSON(http.StatusAccepted, echo.Map{
		"attempt_id":     res.Attempt.ID,
		"correlation_id": res.Attempt.CorrelationID,
		"status":         res.Attempt.Status,
		"client_ref":     res.ClientRef,
	})
}

// PaymentStatus handles GET /v1/payments/:handle/status where handle
// is the attempt's correlation id. Served to the passenger's app while
// it waits for the rail to decide. The route sits behind the response
// cache middleware, so repeated polling does not hammer the database.
func (h *PaymentHandler) PaymentStatus(c echo.Context) error {
	passengerID, err := getPassengerID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	handle := c.Param("handle")
	if handle == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payment handle"})
	}
	ctx := c.Request().Context()
	attempt, err := h.Attempts.GetByCorrelationID(ctx, handle)
	if err != nil {
		if errors.Is(err, repository.ErrAttemptNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "payment not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	booking, err := h.Bookings.GetByID(ctx, attempt.BookingID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if booking.PassengerID != passengerID {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "payment not found"})
	}

	resp := echo.Map{
		"correlation_id": attempt.CorrelationID,
		"gateway":        attempt.Gateway,
		"status":         attempt.Status,
		"booking_status": booking.Status,
	}
	if attempt.TransactionID != nil {
		resp["transaction_id"] = *attempt.TransactionID
	}
	if attempt.ResultCode != nil {
		resp["result_code"] = *attempt.ResultCode
	}
	if attempt.ResultDesc != nil {
		resp["result_desc"] = *attempt.ResultDesc
	}
	return c.JSON(http.StatusOK, resp)
}
