package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/response"
)

// NewLoggingMiddleware writes one access log line per request. Bodies are
// images, so only their size is logged.
func (m *middleware) NewLoggingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = response.StatusOf(err, fiber.StatusInternalServerError)
			}
		}

		fields := logger.Fields{
			logger.RequestIDKey: m.GetRequestID(c),
			"method":            c.Method(),
			"path":              c.Path(),
			"status":            status,
			"latency_ms":        time.Since(start).Milliseconds(),
			"ip":                c.IP(),
			"user_agent":        c.Get(fiber.HeaderUserAgent),
			"request_size":      len(c.Request().Body()),
			"response_size":     len(c.Response().Body()),
		}

		switch {
		case status >= 500:
			m.log.WithFields(fields).Error("Server error")
		case status >= 400:
			m.log.WithFields(fields).Warn("Client error")
		default:
			m.log.WithFields(fields).Info("Success")
		}

		return err
	}
}
