package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// currentUserID resolves the authenticated passenger id for per-user
// rate-limit keys.  JWTAuth stores the raw "sub" claim, which arrives
// as a string or a JSON number depending on the identity provider.
// Unauthenticated traffic (the public browse routes) shares the "anon"
// bucket.
func currentUserID(c echo.Context) string {
	switch v := c.Get("user_id").(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	}
	return "anon"
}
