package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment (and an
// optional .env file) once at startup.
type Config struct {
	AppEnv string `validate:"required"`
	Port   string `validate:"required,numeric"`

	ModelPath    string `validate:"required"`
	MetadataPath string `validate:"required"`
	// OnnxLibPath points at the onnxruntime shared library. Empty uses the
	// library's default lookup.
	OnnxLibPath     string
	SessionPoolSize int `validate:"min=1,max=64"`

	UploadPolarity string `validate:"oneof=invert keep auto"`
	ResizeFilter   string `validate:"oneof=nearest bilinear bicubic mitchell lanczos2 lanczos3"`

	BodyLimit        int           `validate:"min=1"`
	InferenceTimeout time.Duration `validate:"min=1ms"`
	RateLimit        float64       `validate:"gte=0"`
	RateBurst        int           `validate:"gte=0"`

	LogLevel string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFile  string
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getEnvFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return f, nil
}

func getEnvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

// Load reads the configuration. A missing .env file is not an error; a
// malformed value or one that fails validation is.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		ModelPath:      getEnv("MODEL_PATH", "models/digit_cnn.onnx"),
		MetadataPath:   getEnv("MODEL_METADATA_PATH", "models/model_metadata.json"),
		OnnxLibPath:    os.Getenv("ONNXRUNTIME_LIB"),
		UploadPolarity: strings.ToLower(getEnv("UPLOAD_POLARITY", "invert")),
		ResizeFilter:   strings.ToLower(getEnv("RESIZE_FILTER", "lanczos3")),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:        os.Getenv("LOG_FILE"),
	}

	var err error
	if cfg.SessionPoolSize, err = getEnvInt("SESSION_POOL_SIZE", 2); err != nil {
		return nil, err
	}
	if cfg.BodyLimit, err = getEnvInt("BODY_LIMIT_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = getEnvFloat("RATE_LIMIT_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.InferenceTimeout, err = getEnvDuration("INFERENCE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := NewValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func NewValidator() *validator.Validate {
	return validator.New()
}
