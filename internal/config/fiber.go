package config

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

func NewFiber(logger *logrus.Logger, cfg *Config, errorHandler fiber.ErrorHandler) *fiber.App {
	app := fiber.New(
		fiber.Config{
			AppName:               "Digit API",
			BodyLimit:             cfg.BodyLimit,
			DisableKeepalive:      false,
			StrictRouting:         true,
			CaseSensitive:         true,
			DisableStartupMessage: cfg.AppEnv == "production",
			JSONEncoder:           jsoniter.Marshal,
			JSONDecoder:           jsoniter.Unmarshal,
			ErrorHandler:          errorHandler,
		})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: cfg.AppEnv != "production",
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			logger.WithField("path", c.Path()).Errorf("Recovered from panic: %v", e)
		},
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,X-Request-ID",
	}))

	return app
}
