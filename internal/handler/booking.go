package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-booking/internal/ledger"
	"github.com/iliyamo/transit-booking/internal/loyalty"
	"github.com/iliyamo/transit-booking/internal/model"
	"github.com/iliyamo/transit-booking/internal/repository"
)

// cancelReasonPassenger marks bookings the passenger cancelled
// themselves before paying.
const cancelReasonPassenger = "passenger request"

// BookingHandler serves booking creation, lookup and passenger-side
// cancellation. JWT authentication and role checks are applied by
// middleware before any method here runs.
type BookingHandler struct {
	Ledger   *ledger.Ledger
	Holds    *repository.SeatHoldRepo
	Bookings *repository.BookingRepo
	Loyalty  *loyalty.Tracker
}

// NewBookingHandler constructs a BookingHandler. Loyalty may be nil.
func NewBookingHandler(lg *ledger.Ledger, holds *repository.SeatHoldRepo, bookings *repository.BookingRepo, tracker *loyalty.Tracker) *BookingHandler {
	if lg == nil || holds == nil || bookings == nil {
		panic("nil dependency passed to NewBookingHandler")
	}
	return &BookingHandler{Ledger: lg, Holds: holds, Bookings: bookings, Loyalty: tracker}
}

// CreateBooking handles POST /v1/trips/:id/bookings. The body carries
// the requested seat labels, passenger contact details and the total
// price the client displayed; a stale displayed price is rejected
// before any seat is held.
func (h *BookingHandler) CreateBooking(c echo.Context) error {
	passengerID, err := getPassengerID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	tripID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid trip id"})
	}
	var body struct {
		SeatLabels         []string `json:"seats"`
		PassengerName      string   `json:"passenger_name"`
		PassengerPhone     string   `json:"passenger_phone"`
		ExpectedPriceCents uint32   `json:"expected_price_cents"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.PassengerName == "" || body.PassengerPhone == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "passenger_name and passenger_phone are required"})
	}

	rec, err := h.Ledger.CreateBooking(c.Request().Context(), ledger.CreateBookingInput{
		TripID:             tripID,
		PassengerID:        passengerID,
		PassengerName:      body.PassengerName,
		PassengerPhone:     body.PassengerPhone,
		SeatLabels:         body.SeatLabels,
		ExpectedPriceCents: body.ExpectedPriceCents,
	})
	if err != nil {
		if conflict, ok := repository.IsSeatConflict(err); ok {
			return c.JSON(http.StatusConflict, echo.Map{
				"error": "seats are not available",
				"seats": conflict.Seats,
			})
		}
		switch {
		case errors.Is(err, repository.ErrTripNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "trip not found"})
		case errors.Is(err, repository.ErrTripDeparted):
			return c.JSON(http.StatusConflict, echo.Map{"error": "trip is not open for booking"})
		case errors.Is(err, repository.ErrPriceMismatch):
			return c.JSON(http.StatusConflict, echo.Map{"error": "price has changed, refresh and retry"})
		case errors.Is(err, repository.ErrCapacityExceeded):
			return c.JSON(http.StatusConflict, echo.Map{"error": "not enough seats left on this trip"})
		case errors.Is(err, ledger.ErrNoSeats):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "seats is required"})
		case errors.Is(err, ledger.ErrTooManySeats):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "too many seats in one booking"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"booking_id":        rec.ID,
		"confirmation_code": rec.ConfirmationCode,
		"status":            rec.Status,
		"payment_status":    rec.PaymentStatus,
		"total_price_cents": rec.TotalPriceCents,
	})
}

// GetBooking handles GET /v1/bookings/:id. Passengers may only read
// their own bookings; operators may read any.
func (h *BookingHandler) GetBooking(c echo.Context) error {
	passengerID, err := getPassengerID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	bookingID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	rec, err := h.Ledger.Get(c.Request().Context(), bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if rec.PassengerID != passengerID && getRole(c) != "OPERATOR" {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	}
	seats, err := h.Holds.LabelsByBooking(c.Request().Context(), bookingID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, bookingJSON(rec, seats))
}

// CancelBooking handles POST /v1/bookings/:id/cancel. Only PENDING
// bookings can be cancelled by the passenger; once payment settles the
// booking is final.
func (h *BookingHandler) CancelBooking(c echo.Context) error {
	passengerID, err := getPassengerID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	bookingID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	ctx := c.Request().Context()
	rec, err := h.Ledger.Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if rec.PassengerID != passengerID {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	}
	if err := h.Ledger.Cancel(ctx, bookingID, cancelReasonPassenger); err != nil {
		if errors.Is(err, repository.ErrAlreadyTerminal) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "booking is already confirmed"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"booking_id": bookingID, "status": model.BookingCancelled})
}

// ListMyBookings handles GET /v1/my-bookings.
func (h *BookingHandler) ListMyBookings(c echo.Context) error {
	passengerID, err := getPassengerID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	ctx := c.Request().Context()
	recs, err := h.Bookings.ListByPassenger(ctx, passengerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	out := make([]echo.Map, 0, len(recs))
	for i := range recs {
		seats, err := h.Holds.LabelsByBooking(ctx, recs[i].ID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
		}
		out = append(out, bookingJSON(&recs[i], seats))
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": out})
}

// MyPoints handles GET /v1/my-points, reading the loyalty balance.
func (h *BookingHandler) MyPoints(c echo.Context) error {
	passengerID, err := getPassengerID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	balance, err := h.Loyalty.Balance(c.Request().Context(), passengerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "loyalty store unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"points": balance})
}

func bookingJSON(rec *repository.BookingRecord, seats []string) echo.Map {
	m := echo.Map{
		"booking_id":        rec.ID,
		"trip_id":           rec.TripID,
		"confirmation_code": rec.ConfirmationCode,
		"status":            rec.Status,
		"payment_status":    rec.PaymentStatus,
		"total_price_cents": rec.TotalPriceCents,
		"seats":             seats,
		"created_at":        rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
	}
	if rec.CancelReason != nil {
		m["cancel_reason"] = *rec.CancelReason
	}
	return m
}
