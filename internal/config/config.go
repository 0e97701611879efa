// Package config loads service configuration from environment variables.
package config

import (
	"os"
	"strconv"
)

// Config holds all service configuration. Values come from environment
// variables with sensible defaults for local development.
type Config struct {
	Port string // HTTP listen port

	// Regulation store backend: "file", "redis" or "postgres".
	RegulationBackend string
	RegulationPath    string // file backend: JSON configuration path
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	PostgresConn      string

	DatasetPath string // CSV dataset for startup calibration (optional)
	ModelPath   string // saved model blob to load on startup (optional)

	PriorStrength      float64
	TemporalAdjustment bool

	RateLimit int // requests per second on the prediction surface

	MetricsUser     string // basic auth for /metrics, empty disables
	MetricsPassword string

	OTELEnabled  bool
	OTELEndpoint string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		RegulationBackend: getEnv("REGULATION_BACKEND", "file"),
		RegulationPath:    getEnv("REGULATION_PATH", "data/regulations.json"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		PostgresConn:      getEnv("POSTGRES_CONN", ""),

		DatasetPath: getEnv("DATASET_PATH", ""),
		ModelPath:   getEnv("MODEL_PATH", ""),

		PriorStrength:      getEnvFloat("PRIOR_STRENGTH", 10.0),
		TemporalAdjustment: getEnvBool("TEMPORAL_ADJUSTMENT", true),

		RateLimit: getEnvInt("RATE_LIMIT", 100),

		MetricsUser:     getEnv("METRICS_USER", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),

		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint: getEnv("OTEL_ENDPOINT", "localhost:4317"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
