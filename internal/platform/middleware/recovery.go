package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/storefront/installsched/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 carrying the request id, so an
// operator can match the response to the logged stack. The body has the
// {code, message} shape of every other API error.
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
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("path", c.Request().URL.Path).
					Str("user_id", auth.UserIDFromContext(c.Request().Context())).
					Str("panic", fmt.Sprint(r)).
					Str("stack", string(stack[:n])).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"code":       "InternalError",
					"message":    "the request failed unexpectedly; quote the request id when reporting it",
					"request_id": rid,
				})
			}()
			return next(c)
		}
	}
}
