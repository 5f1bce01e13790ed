package router

import (
	"database/sql"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-booking/internal/handler"
	"github.com/iliyamo/transit-booking/internal/middleware"
)

// RegisterRoutes registers the health endpoints.  /healthz is liveness
// only; /readyz additionally verifies the database connection so load
// balancers can drain a node that lost MySQL.
func RegisterRoutes(e *echo.Echo, db *sql.DB) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(db))
}

// RegisterPublic registers unauthenticated browse endpoints.  Guests can
// list upcoming trips and inspect a trip's seat map before signing in to
// book.  Both routes sit behind the response cache middleware registered
// globally in main.
func RegisterPublic(e *echo.Echo, t *handler.TripHandler) {
	// Expose the list of upcoming trips
	e.GET("/v1/trips", t.ListTrips)
	// View seat availability for a specific trip.  Held state is derived
	// from active seat holds; a seat frees again when its booking cancels.
	e.GET("/v1/trips/:id/seats", t.SeatMap)
}

// RegisterPassenger registers passenger-scoped endpoints under /v1.  All
// routes require a valid JWT issued by the identity provider and the
// PASSENGER or OPERATOR role.  Passengers can create bookings, pay for
// them, poll payment status and manage their own bookings.
func RegisterPassenger(e *echo.Echo, b *handler.BookingHandler, p *handler.PaymentHandler, jwtSecret string) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole("PASSENGER", "OPERATOR"),
	)
	g.POST("/trips/:id/bookings", b.CreateBooking)
	g.GET("/bookings/:id", b.GetBooking)
	g.POST("/bookings/:id/cancel", b.CancelBooking)
	g.GET("/my-bookings", b.ListMyBookings)
	g.GET("/my-points", b.MyPoints)

	// Payment initiation and client-side status polling.  The status
	// route is keyed by the gateway correlation id, not the booking id,
	// so a client can poll without re-deriving which attempt is live.
	g.POST("/bookings/:id/payments", p.InitiatePayment)
	g.GET("/payments/:handle/status", p.PaymentStatus)
}

// RegisterOperator registers OPERATOR-scoped endpoints under /v1.
func RegisterOperator(e *echo.Echo, t *handler.TripHandler, jwtSecret string) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole("OPERATOR"),
	)
	g.POST("/trips", t.CreateTrip)
}

// RegisterWebhooks registers the inbound gateway event routes.  These are
// deliberately outside the JWT middleware: the card processor signs its
// payloads and the mobile-money aggregator is allow-listed at the edge.
func RegisterWebhooks(e *echo.Echo, w *handler.WebhookHandler) {
	e.POST("/v1/webhooks/card", w.CardWebhook)
	e.POST("/v1/callbacks/mobile-money", w.MobileMoneyCallback)
	e.POST("/v1/callbacks/mobile-money/timeout", w.MobileMoneyTimeout)
}
