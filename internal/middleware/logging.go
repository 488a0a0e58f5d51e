// Package middleware provides Echo middleware for logging and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Relayed requests can stream for minutes, so a debug line is emitted when
// the request starts and the info line only when it completes. Health probes
// are demoted to debug to keep the log readable under frequent polling.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			logger.Debug("request started",
				"method", req.Method,
				"path", req.URL.Path,
				"remote_ip", c.RealIP(),
			)

			err := next(c)

			res := c.Response()

			level := slog.LevelInfo
			if req.URL.Path == "/healthz" || req.URL.Path == "/health" {
				level = slog.LevelDebug
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
