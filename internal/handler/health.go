package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Health reports process liveness. It never touches downstream
// dependencies so a wedged database cannot make the orchestrator
// restart-loop the service.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Ready returns a handler that reports readiness to take bookings:
// the database must answer a ping within a short deadline. Load
// balancers use this to drain a node whose MySQL connection is gone.
func Ready(db *sql.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "error": "database unreachable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	}
}
