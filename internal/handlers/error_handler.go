package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digit-api/internal/ingest"
	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/middleware"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/response"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// ErrorHandler turns request errors into client-facing messages. Client errors
// are reported as they are; anything else is logged in full and replaced by a
// generic message carrying a trace ID.
type ErrorHandler struct {
	logger *logrus.Logger
}

func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
	}
}

// Resolve classifies err and logs it.
func (h *ErrorHandler) Resolve(requestID string, err error, path string, operation string) (int, ErrorResponse) {
	fields := logger.Fields{
		logger.RequestIDKey: requestID,
		"error":             err.Error(),
		"path":              path,
		"operation":         operation,
	}

	switch {
	case errors.Is(err, ingest.ErrNoImageProvided):
		h.logger.WithFields(fields).Warn("No image provided")
		return http.StatusBadRequest, ErrorResponse{Error: "No image provided.", Code: "NO_IMAGE_PROVIDED", RequestID: requestID}

	case errors.Is(err, ingest.ErrImageDecode):
		h.logger.WithFields(fields).Warn("Image could not be decoded")
		return response.StatusOf(ingest.ErrImageDecode, http.StatusInternalServerError),
			ErrorResponse{Error: capitalize(ingest.ErrImageDecode.Error()) + ".", Code: "IMAGE_DECODE_ERROR", RequestID: requestID}

	case errors.Is(err, ErrInvalidTensor):
		h.logger.WithFields(fields).Warn("Invalid input tensor")
		return http.StatusBadRequest, ErrorResponse{Error: capitalize(err.Error()) + ".", Code: "INVALID_INPUT", RequestID: requestID}

	case errors.Is(err, model.ErrInference):
		traceID := logger.ErrorWithTraceID(fields, "Inference failed")
		return http.StatusInternalServerError, ErrorResponse{Error: "Prediction failed.", Code: "INFERENCE_ERROR", RequestID: requestID, TraceID: traceID}
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		h.logger.WithFields(fields).Warn("Request rejected")
		return fiberErr.Code, ErrorResponse{Error: fiberErr.Message, RequestID: requestID}
	}

	var respErr *response.Error
	if errors.As(err, &respErr) && respErr.Code < http.StatusInternalServerError {
		h.logger.WithFields(fields).Warn("Operation failed with error response")
		return respErr.Code, ErrorResponse{Error: err.Error(), RequestID: requestID}
	}

	traceID := logger.ErrorWithTraceID(fields, "Unexpected error")
	return http.StatusInternalServerError, ErrorResponse{Error: "An unexpected error occurred.", Code: "INTERNAL_ERROR", RequestID: requestID, TraceID: traceID}
}

// Handle writes err as a JSON body.
func (h *ErrorHandler) Handle(c *fiber.Ctx, requestID string, err error, operation string) error {
	status, body := h.Resolve(requestID, err, c.Path(), operation)
	return c.Status(status).JSON(body)
}

// HandleHTML writes err as the error page of the form front-end.
func (h *ErrorHandler) HandleHTML(c *fiber.Ctx, requestID string, err error, operation string) error {
	status, body := h.Resolve(requestID, err, c.Path(), operation)
	return render(c, status, "error.html", errorPage{Message: body.Error, TraceID: body.TraceID})
}

func (h *ErrorHandler) HandleValidationError(c *fiber.Ctx, requestID string, err error) error {
	h.logger.WithFields(logger.Fields{
		logger.RequestIDKey: requestID,
		"error":             err.Error(),
		"path":              c.Path(),
	}).Warn("Validation failed")

	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:     "Validation failed: " + err.Error(),
		Code:      "VALIDATION_ERROR",
		RequestID: requestID,
	})
}

// FiberErrorHandler catches errors no handler dealt with: rate limiting,
// unknown routes, recovered panics.
func (h *ErrorHandler) FiberErrorHandler(c *fiber.Ctx, err error) error {
	requestID, _ := c.Locals(middleware.RequestIDKey).(string)
	return h.Handle(c, requestID, err, "fiber")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return fmt.Sprintf("%c%s", s[0]-'a'+'A', s[1:])
	}
	return s
}
