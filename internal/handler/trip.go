package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-booking/internal/repository"
)

// seatsPerRow fixes the generated seat layout: rows of four seats
// labelled 1A..1D, 2A..2D and so on.
const seatsPerRow = 4

// TripHandler serves trip management for operators and the public
// trip browse and seat-map endpoints.
type TripHandler struct {
	Trips *repository.TripRepo
	Holds *repository.SeatHoldRepo
}

// NewTripHandler constructs a TripHandler.
func NewTripHandler(trips *repository.TripRepo, holds *repository.SeatHoldRepo) *TripHandler {
	if trips == nil || holds == nil {
		panic("nil repository passed to NewTripHandler")
	}
	return &TripHandler{Trips: trips, Holds: holds}
}

// CreateTrip handles POST /v1/trips (operator only). Seat labels may
// be supplied explicitly; otherwise seat_count generates a standard
// layout.
func (h *TripHandler) CreateTrip(c echo.Context) error {
	var body struct {
		Route      string   `json:"route"`
		DepartsAt  string   `json:"departs_at"`
		PriceCents uint32   `json:"price_cents"`
		SeatCount  int      `json:"seat_count"`
		SeatLabels []string `json:"seat_labels"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Route == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "route is required"})
	}
	if body.PriceCents == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "price_cents must be positive"})
	}
	departsAt, err := time.Parse("2006-01-02 15:04:05", body.DepartsAt)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "departs_at must be formatted as 2006-01-02 15:04:05 (UTC)"})
	}
	if !departsAt.After(time.Now().UTC()) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "departs_at must be in the future"})
	}

	labels := repository.NormalizeLabels(body.SeatLabels)
	if len(labels) == 0 {
		if body.SeatCount < 1 || body.SeatCount > 200 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "seat_count must be between 1 and 200"})
		}
		labels = generateSeatLabels(body.SeatCount)
	}

	rec := &repository.TripRecord{
		Route:      body.Route,
		DepartsAt:  departsAt.UTC(),
		SeatCount:  uint32(len(labels)),
		PriceCents: body.PriceCents,
	}
	if err := h.Trips.Create(c.Request().Context(), rec, labels); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"trip_id":     rec.ID,
		"route":       rec.Route,
		"departs_at":  rec.DepartsAt.Format("2006-01-02 15:04:05"),
		"seat_count":  rec.SeatCount,
		"price_cents": rec.PriceCents,
		"status":      rec.Status,
	})
}

// ListTrips handles GET /v1/trips. Public; sits behind the response
// cache middleware.
func (h *TripHandler) ListTrips(c echo.Context) error {
	recs, err := h.Trips.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	out := make([]echo.Map, 0, len(recs))
	for i := range recs {
		out = append(out, echo.Map{
			"trip_id":     recs[i].ID,
			"route":       recs[i].Route,
			"departs_at":  recs[i].DepartsAt.UTC().Format("2006-01-02 15:04:05"),
			"seat_count":  recs[i].SeatCount,
			"price_cents": recs[i].PriceCents,
			"status":      recs[i].Status,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"trips": out})
}

// SeatMap handles GET /v1/trips/:id/seats, returning every seat label
// with its held state plus the remaining count.
func (h *TripHandler) SeatMap(c echo.Context) error {
	tripID, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid trip id"})
	}
	ctx := c.Request().Context()
	if _, err := h.Trips.GetByID(ctx, tripID); err != nil {
		if errors.Is(err, repository.ErrTripNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "trip not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	seatMap, err := h.Holds.SeatMap(ctx, tripID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	seats := make([]echo.Map, 0, len(seatMap))
	remaining := 0
	for _, label := range sortedKeys(seatMap) {
		held := seatMap[label]
		if !held {
			remaining++
		}
		seats = append(seats, echo.Map{"label": label, "held": held})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"trip_id":   tripID,
		"seats":     seats,
		"remaining": remaining,
	})
}

// generateSeatLabels produces row-major labels 1A..1D, 2A..2D, ...
func generateSeatLabels(n int) []string {
	labels := make([]string, 0, n)
	for i := 0; i < n; i++ {
		labels = append(labels, fmt.Sprintf("%d%s", i/seatsPerRow+1, indexToRowLabel(i%seatsPerRow)))
	}
	return labels
}
