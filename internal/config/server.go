package config

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digit-api/internal/handlers"
	"github.com/Brownie44l1/digit-api/internal/middleware"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/service"
)

type ServerOption func(*Server) error

type Server struct {
	engine     *fiber.App
	cfg        *Config
	log        *logrus.Logger
	middleware middleware.Middleware
	validator  *validator.Validate
	errHandler *handlers.ErrorHandler
	classifier model.Classifier
	pipeline   *preprocess.Pipeline
	handlers   []handler
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if server.classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}

	if server.validator == nil {
		server.validator = NewValidator()
	}
	if server.errHandler == nil {
		server.errHandler = handlers.NewErrorHandler(server.log)
	}
	if server.middleware == nil {
		server.middleware = middleware.New(server.log, server.cfg.RateLimit, server.cfg.RateBurst)
	}
	if server.pipeline == nil {
		pipeline, err := NewPipeline(server.cfg)
		if err != nil {
			return nil, err
		}
		server.pipeline = pipeline
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithConfig(cfg *Config) ServerOption {
	return func(s *Server) error {
		s.cfg = cfg
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

func WithErrorHandler(errHandler *handlers.ErrorHandler) ServerOption {
	return func(s *Server) error {
		s.errHandler = errHandler
		return nil
	}
}

func WithMiddleware() ServerOption {
	return func(s *Server) error {
		if s.log == nil {
			return fmt.Errorf("logger must be initialized before middleware")
		}
		if s.cfg == nil {
			return fmt.Errorf("config must be initialized before middleware")
		}
		s.middleware = middleware.New(s.log, s.cfg.RateLimit, s.cfg.RateBurst)
		return nil
	}
}

func WithClassifier(classifier model.Classifier) ServerOption {
	return func(s *Server) error {
		s.classifier = classifier
		return nil
	}
}

// WithONNXModel loads the model artifacts named by the config. Failure here
// means the process must not serve.
func WithONNXModel() ServerOption {
	return func(s *Server) error {
		if s.cfg == nil {
			return fmt.Errorf("config must be initialized before the model")
		}
		srv, err := model.NewServer(model.Options{
			ModelPath:    s.cfg.ModelPath,
			MetadataPath: s.cfg.MetadataPath,
			LibraryPath:  s.cfg.OnnxLibPath,
			PoolSize:     s.cfg.SessionPoolSize,
		})
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to load model: %v", err)
			}
			return err
		}
		s.classifier = srv
		return nil
	}
}

func WithPipeline(pipeline *preprocess.Pipeline) ServerOption {
	return func(s *Server) error {
		s.pipeline = pipeline
		return nil
	}
}

// NewPipeline builds the normalization pipeline from the configured resize
// filter and upload polarity.
func NewPipeline(cfg *Config) (*preprocess.Pipeline, error) {
	filter, err := preprocess.ParseFilter(cfg.ResizeFilter)
	if err != nil {
		return nil, err
	}
	policy, err := preprocess.ParsePolicy(cfg.UploadPolarity)
	if err != nil {
		return nil, err
	}
	return preprocess.New(preprocess.WithFilter(filter), preprocess.WithUploadPolicy(policy)), nil
}

func (s *Server) RegisterHandler() {
	predictServices := service.NewPredictService(s.pipeline, s.classifier, s.cfg.InferenceTimeout)
	predictHandlers := handlers.New(
		s.log,
		s.validator,
		s.middleware,
		s.errHandler,
		predictServices,
		s.pipeline.UploadPolicy(),
		int64(s.cfg.BodyLimit),
	)

	s.handlers = append(s.handlers, predictHandlers)
}

func (s *Server) mount() {
	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(s.middleware.NewLoggingMiddleware())

	for _, h := range s.handlers {
		h.Start(s.engine)
	}
}

func (s *Server) Run() error {
	s.mount()

	meta := s.classifier.Metadata()
	s.log.WithFields(logrus.Fields{
		"port":          s.cfg.Port,
		"classes":       meta.Classes,
		"input_shape":   meta.InputShape,
		"upload_policy": s.pipeline.UploadPolicy(),
	}).Info("Server starting")

	return s.engine.Listen(fmt.Sprintf(":%s", s.cfg.Port))
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx is
// done, then releases the model.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.engine.ShutdownWithContext(ctx)

	if closer, ok := s.classifier.(interface{ Close() }); ok {
		closer.Close()
	}

	return err
}
