package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/Brownie44l1/digit-api/internal/ingest"
	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/service"
)

type CanvasRequest struct {
	CanvasImage string `json:"canvas_image" validate:"required"`
}

type PredictImageResponse struct {
	*model.PredictionResponse
	Image    string `json:"image"`
	Source   string `json:"source"`
	Policy   string `json:"policy"`
	Inverted bool   `json:"inverted"`
}

// Predict classifies an already normalized 28x28 image sent as a flat array.
func (h *Handler) Predict(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	var req model.PredictionRequest
	if err := ctx.BodyParser(&req); err != nil {
		return h.errHandler.Handle(ctx, requestID, fiber.NewError(fiber.StatusBadRequest, "Invalid JSON"), "parse_request_body")
	}
	if err := h.validator.Struct(req); err != nil {
		return h.errHandler.HandleValidationError(ctx, requestID, err)
	}

	meta := h.predictor.Metadata()
	if expected := meta.InputSize(); len(req.Image) != expected {
		err := fmt.Errorf("%w: expected %d values, got %d", ErrInvalidTensor, expected, len(req.Image))
		return h.errHandler.Handle(ctx, requestID, err, "check_input_size")
	}

	tensor := &preprocess.Tensor{
		Shape: append([]int64(nil), meta.InputShape...),
		Data:  req.Image,
	}
	if err := tensor.Validate(); err != nil {
		return h.errHandler.Handle(ctx, requestID, fmt.Errorf("%w: %v", ErrInvalidTensor, err), "validate_tensor")
	}

	result, err := h.predictor.PredictTensor(ctx.UserContext(), tensor)
	if err != nil {
		return h.errHandler.Handle(ctx, requestID, err, "predict")
	}

	return ctx.Status(fiber.StatusOK).JSON(result.Response(meta.Classes))
}

// PredictImage accepts a multipart upload in "file" (or "image") or a
// canvas_image form value, like the HTML form, and answers in JSON.
func (h *Handler) PredictImage(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	src, err := ingest.FromForm(ctx.FormValue("canvas_image"), formFile(ctx, "file", "image"), h.maxUpload)
	if err != nil {
		return h.errHandler.Handle(ctx, requestID, err, "read_form")
	}

	if up, ok := src.(ingest.UploadSource); ok {
		h.log.WithFields(logger.Fields{
			logger.RequestIDKey: requestID,
			"file_name":         up.Filename,
			"file_size":         len(up.Data),
		}).Debug("Processing file upload")
	}

	return h.predictSource(ctx, requestID, src)
}

// PredictCanvas accepts {"canvas_image": "data:image/png;base64,..."}.
func (h *Handler) PredictCanvas(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	var req CanvasRequest
	if err := ctx.BodyParser(&req); err != nil {
		return h.errHandler.Handle(ctx, requestID, fiber.NewError(fiber.StatusBadRequest, "Invalid JSON"), "parse_request_body")
	}
	if err := h.validator.Struct(req); err != nil {
		return h.errHandler.Handle(ctx, requestID, ingest.ErrNoImageProvided, "validate_request")
	}

	return h.predictSource(ctx, requestID, ingest.CanvasSource{DataURL: req.CanvasImage})
}

func (h *Handler) predictSource(ctx *fiber.Ctx, requestID string, src ingest.Source) error {
	prediction, err := h.predictor.Predict(ctx.UserContext(), src)
	if err != nil {
		return h.errHandler.Handle(ctx, requestID, err, "predict")
	}

	h.log.WithFields(logger.Fields{
		logger.RequestIDKey: requestID,
		"source":            prediction.Source.String(),
		"predicted_class":   prediction.Result.PredictedClass,
		"confidence":        prediction.Result.Confidence,
	}).Info("Prediction successful")

	return ctx.Status(fiber.StatusOK).JSON(newPredictImageResponse(prediction, h.predictor.Metadata().Classes))
}

func newPredictImageResponse(p *service.Prediction, classes []string) PredictImageResponse {
	return PredictImageResponse{
		PredictionResponse: p.Result.Response(classes),
		Image:              p.Image,
		Source:             p.Source.String(),
		Policy:             string(p.Policy),
		Inverted:           p.Inverted,
	}
}
