package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/auth"
)

// Recovery converts a handler panic into a 500 without killing the
// process. The log line carries the request id and the authenticated
// actor so a crash can be tied back to a ledger address.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				rid, _ := c.Get("request_id").(string)
				actor := auth.ActorFromContext(c.Request().Context())
				logger.Error().
					Str("request_id", rid).
					Str("actor", string(actor)).
					Str("method", c.Request().Method).
					Str("path", c.Path()).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
