package handlers

import (
	"mime/multipart"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digit-api/internal/middleware"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/response"
	"github.com/Brownie44l1/digit-api/internal/service"
)

var ErrInvalidTensor = response.NewError(fiber.StatusBadRequest, "invalid input tensor")

type Handler struct {
	log          *logrus.Logger
	validator    *validator.Validate
	middleware   middleware.Middleware
	errHandler   *ErrorHandler
	predictor    service.IPredictService
	uploadPolicy preprocess.Policy
	maxUpload    int64
}

func New(
	log *logrus.Logger,
	validator *validator.Validate,
	middleware middleware.Middleware,
	errHandler *ErrorHandler,
	predictor service.IPredictService,
	uploadPolicy preprocess.Policy,
	maxUpload int64,
) *Handler {
	return &Handler{
		log:          log,
		validator:    validator,
		middleware:   middleware,
		errHandler:   errHandler,
		predictor:    predictor,
		uploadPolicy: uploadPolicy,
		maxUpload:    maxUpload,
	}
}

func (h *Handler) Start(srv fiber.Router) {
	srv.Get("/health", h.Health)

	// Form front-end
	srv.Get("/", h.Home)
	srv.Post("/predict_upload", h.middleware.NewRateLimiter, h.PredictUpload)

	// Dashboard front-end
	srv.Get("/dashboard", h.Dashboard)
	srv.Use("/ws", h.requireUpgrade)
	srv.Get("/ws/dashboard", h.middleware.NewRateLimiter, websocket.New(h.handleDashboardWebSocket))

	api := srv.Group("/api/v1")
	api.Post("/predict", h.middleware.NewRateLimiter, h.Predict)
	api.Post("/predict/image", h.middleware.NewRateLimiter, h.PredictImage)
	api.Post("/predict/canvas", h.middleware.NewRateLimiter, h.PredictCanvas)
}

func (h *Handler) Health(ctx *fiber.Ctx) error {
	meta := h.predictor.Metadata()
	return ctx.JSON(fiber.Map{
		"status":        "healthy",
		"classes":       meta.Classes,
		"input_shape":   meta.InputShape,
		"upload_policy": h.uploadPolicy,
	})
}

// clientIPKey carries the caller's address into the socket handler, which
// rate limits per message.
const clientIPKey = "client_ip"

func (h *Handler) requireUpgrade(ctx *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(ctx) {
		ctx.Locals(clientIPKey, ctx.IP())
		return ctx.Next()
	}
	return fiber.ErrUpgradeRequired
}

// formFile returns the first named file among fields, or nil. A request that
// is not multipart simply has no file.
func formFile(ctx *fiber.Ctx, fields ...string) *multipart.FileHeader {
	for _, field := range fields {
		fh, err := ctx.FormFile(field)
		if err == nil && fh != nil && fh.Filename != "" {
			return fh
		}
	}
	return nil
}
