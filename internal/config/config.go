// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every setting the service reads at startup.
type Config struct {
	HTTPAddr        string        `validate:"required"`
	GinMode         string        `validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	ModelPath       string `validate:"required"`
	ModelInputName  string
	ModelOutputName string
	ModelThreads    int `validate:"gte=0"`
	ModelSerialize  bool
	OnnxRuntimeLib  string
	ResizeFilter    string `validate:"omitempty,oneof=catmullrom lanczos linear box nearest"`

	SampleImagePath string

	RedisAddr string        `validate:"omitempty,hostname_port"`
	CacheTTL  time.Duration `validate:"gt=0"`

	PredictRateLimit float64 `validate:"gte=0"`
	PredictRateBurst int     `validate:"gte=1"`

	JWTSecret   string
	JWTAudience string

	SentryDSN string `validate:"omitempty,url"`
	AppEnv    string

	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment and validates it.
func FromEnv() (*Config, error) {
	var errs []error
	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		GinMode:         getEnv("GIN_MODE", "release"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),

		ModelPath:       getEnv("MODEL_PATH", "./models/model.onnx"),
		ModelInputName:  os.Getenv("MODEL_INPUT_NAME"),
		ModelOutputName: os.Getenv("MODEL_OUTPUT_NAME"),
		ModelThreads:    getInt("MODEL_THREADS", 0, &errs),
		ModelSerialize:  getBool("MODEL_SERIALIZE", false, &errs),
		OnnxRuntimeLib:  os.Getenv("ONNXRUNTIME_LIB"),
		ResizeFilter:    getEnv("RESIZE_FILTER", "catmullrom"),

		SampleImagePath: getEnv("SAMPLE_IMAGE_PATH", "./data/ISIC_0024312.jpg"),

		RedisAddr: os.Getenv("REDIS_ADDR"),
		CacheTTL:  getDuration("CACHE_TTL", 10*time.Minute, &errs),

		PredictRateLimit: getFloat("PREDICT_RATE_LIMIT", 0, &errs),
		PredictRateBurst: getInt("PREDICT_RATE_BURST", 5, &errs),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		SentryDSN: os.Getenv("SENTRY_DSN"),
		AppEnv:    getEnv("APP_ENV", "production"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func getBool(key string, fallback bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
