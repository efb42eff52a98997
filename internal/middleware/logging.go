// Package middleware provides Echo middleware shared by every gateway route.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RouteNameKey is the echo context key under which forwarding handlers store
// the gateway route name.
const RouteNameKey = "gateway.route"

// RequestLogger emits one structured line per request. Server errors log at
// error level; everything else at info.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := responseStatus(c, err)
			level := slog.LevelInfo
			if status >= 500 {
				level = slog.LevelError
			}

			req, res := c.Request(), c.Response()
			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("pattern", c.Path()),
				slog.Int("status", status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_out", res.Size),
			}
			if name, ok := c.Get(RouteNameKey).(string); ok {
				attrs = append(attrs, slog.String("route", name))
			}
			logger.LogAttrs(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
