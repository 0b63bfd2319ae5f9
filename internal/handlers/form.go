package handlers

import (
	"html/template"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/Brownie44l1/digit-api/internal/ingest"
	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// resultBlock is the JSON shown under a prediction on both front-ends.
type resultBlock struct {
	PredictedClass int       `json:"predicted_class"`
	Confidence     float64   `json:"confidence"`
	RawPrediction  []float32 `json:"raw_prediction"`
}

func newResultBlock(r *model.PredictionResult) resultBlock {
	return resultBlock{
		PredictedClass: r.PredictedClass,
		Confidence:     r.Confidence,
		RawPrediction:  r.RawPrediction,
	}
}

func (h *Handler) Home(ctx *fiber.Ctx) error {
	return render(ctx, fiber.StatusOK, "index.html", indexPage{
		ImageSize:    h.predictor.Metadata().ImageSize,
		UploadPolicy: string(h.uploadPolicy),
	})
}

// PredictUpload serves the form: a drawn canvas_image or an uploaded file in,
// an HTML result page out.
func (h *Handler) PredictUpload(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)

	src, err := ingest.FromForm(ctx.FormValue("canvas_image"), formFile(ctx, "file"), h.maxUpload)
	if err != nil {
		return h.errHandler.HandleHTML(ctx, requestID, err, "read_form")
	}

	h.log.WithFields(logger.Fields{
		logger.RequestIDKey: requestID,
		"path":              ctx.Path(),
		"source":            src.Kind().String(),
	}).Debug("Processing form prediction request")

	prediction, err := h.predictor.Predict(ctx.UserContext(), src)
	if err != nil {
		return h.errHandler.HandleHTML(ctx, requestID, err, "predict")
	}

	block, err := json.MarshalIndent(newResultBlock(prediction.Result), "", "  ")
	if err != nil {
		return h.errHandler.HandleHTML(ctx, requestID, err, "marshal_result")
	}

	h.log.WithFields(logger.Fields{
		logger.RequestIDKey: requestID,
		"predicted_class":   prediction.Result.PredictedClass,
		"confidence":        prediction.Result.Confidence,
	}).Info("Form prediction successful")

	return render(ctx, fiber.StatusOK, "result.html", resultPage{
		Image:      template.URL(prediction.Image),
		Message:    prediction.Result.Message,
		ResultJSON: string(block),
	})
}
