package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/orchestrator"
	"github.com/vulnscope/internal/report"
	"github.com/vulnscope/internal/utils"
)

const (
	userHeader        = "X-User-ID"
	correlationHeader = "X-Correlation-ID"

	correlationKey = "correlation_id"
)

// observe tags the request with a correlation ID and records its metrics
func (s *Server) observe(c fiber.Ctx) error {
	id := c.Get(correlationHeader)
	if id == "" {
		id = utils.GenerateCorrelationID()
	}
	c.Locals(correlationKey, id)
	c.Set(correlationHeader, id)

	start := time.Now()
	err := c.Next()
	duration := time.Since(start)

	status := c.Response().StatusCode()
	if err != nil {
		status = fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
	}

	route := c.Route().Path
	s.svc.Metrics.RecordAPIRequest(c.Method(), route, status, duration)
	logrus.WithFields(logrus.Fields{
		"correlation_id": id,
		"method":         c.Method(),
		"route":          route,
		"status":         status,
		"duration_ms":    duration.Milliseconds(),
	}).Debug("API request")

	return err
}

// withUser rejects requests without a user identity
func (s *Server) withUser(h func(c fiber.Ctx, userID string) error) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID := c.Get(userHeader)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(response{
				Error:   true,
				Message: "Missing user identity.",
			})
		}
		return h(c, userID)
	}
}

// requestContext returns a context bounded by the request timeout that
// carries the correlation ID
func (s *Server) requestContext(c fiber.Ctx) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	if id, ok := c.Locals(correlationKey).(string); ok {
		ctx = utils.WithCorrelationID(ctx, id)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// fail maps a domain error to its HTTP status
func fail(c fiber.Ctx, err error) error {
	code := statusFor(err)
	message := err.Error()
	if code == fiber.StatusInternalServerError {
		logrus.Errorf("Request %s %s failed: %v", c.Method(), c.Path(), err)
		message = "Unexpected internal error occurred."
	}
	return c.Status(code).JSON(response{Error: true, Message: message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNoURL),
		errors.Is(err, orchestrator.ErrInvalidURL),
		errors.Is(err, orchestrator.ErrInvalidConfig),
		errors.Is(err, orchestrator.ErrAuthRequired),
		errors.Is(err, report.ErrUnsupportedFormat):
		return fiber.StatusBadRequest
	case errors.Is(err, orchestrator.ErrQuotaExceeded):
		return fiber.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrStartFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, report.ErrScanNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, report.ErrScanNotCompleted):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}
