package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for the authorization pages. Codes
// travel in redirect URLs, so referrers are never sent.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			return next(c)
		}
	}
}
