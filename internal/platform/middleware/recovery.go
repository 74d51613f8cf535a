package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-harness/internal/platform/fhir"
)

// Recovery converts a panic in an authorization or app endpoint into a 500
// OperationOutcome so a conformance client sees a FHIR error body instead of
// a dropped connection. The panic value, route and stack are logged.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError,
					fhir.ErrorOutcome(fmt.Sprintf("%s %s failed", c.Request().Method, c.Path())))
			}()
			return next(c)
		}
	}
}
