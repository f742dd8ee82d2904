package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout returns middleware that sets a context deadline on each
// incoming request. The evaluation engine reads this deadline: when it
// expires mid-evaluation the engine returns whatever alerts have settled
// rather than blocking. The middleware therefore waits for the handler
// past the deadline so that partial response reaches the client; the 504
// backstop only fires for handlers that never come back at all.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			// Grace past the deadline for the handler to assemble and
			// write its partial response.
			backstop := time.NewTimer(2 * timeout)
			defer backstop.Stop()

			select {
			case err := <-done:
				return err
			case <-backstop.C:
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
			}
		}
	}
}
