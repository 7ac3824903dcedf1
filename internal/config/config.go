package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// HTTP client used for the generative API
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Observability
	OTLPEndpoint string

	// AI Gate
	AIEnabled             bool
	AIAPIKey              string
	AIBaseURL             string
	AIModel               string
	AITemperature         float64
	AIMaxTokens           int
	AIHourlyCap           int
	AIConfidenceThreshold float64
	AIMinSources          int
	AIDecisionCacheTTL    time.Duration

	// Validator
	RequireMultiSource bool

	// Sentinel
	SentinelCheckInterval  time.Duration
	SentinelRequestTimeout time.Duration
	SentinelAutostart      bool
	UpstreamBaseURL        string
	SentinelCatalogFile    string // optional YAML catalogue replacing the built-in list
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 2),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 200*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		AIEnabled:             getEnvBool("AI_ENABLED", false),
		AIAPIKey:              getEnv("AI_API_KEY", ""),
		AIBaseURL:             getEnv("AI_BASE_URL", "https://open.bigmodel.cn/api/paas/v4/"),
		AIModel:               getEnv("AI_MODEL", "glm-4-flash"),
		AITemperature:         getEnvFloat("AI_TEMPERATURE", 0.3),
		AIMaxTokens:           getEnvInt("AI_MAX_TOKENS", 1000),
		AIHourlyCap:           getEnvInt("AI_HOURLY_CAP", 100),
		AIConfidenceThreshold: getEnvFloat("AI_CONFIDENCE_THRESHOLD", 0.7),
		AIMinSources:          getEnvInt("AI_MIN_SOURCES", 2),
		AIDecisionCacheTTL:    getEnvDuration("AI_DECISION_CACHE_TTL", time.Hour),

		RequireMultiSource: getEnvBool("VALIDATOR_REQUIRE_MULTI_SOURCE", false),

		SentinelCheckInterval:  getEnvDuration("SENTINEL_CHECK_INTERVAL", 5*time.Minute),
		SentinelRequestTimeout: getEnvDuration("SENTINEL_REQUEST_TIMEOUT", 10*time.Second),
		SentinelAutostart:      getEnvBool("SENTINEL_AUTOSTART", true),
		UpstreamBaseURL:        getEnv("UPSTREAM_BASE_URL", "http://localhost:3000"),
		SentinelCatalogFile:    getEnv("SENTINEL_CATALOG_FILE", ""),
	}
}

// Validate rejects configurations that cannot work at runtime.
// A missing AI key is not an error: the gate simply stays unconfigured.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.AIHourlyCap < 0 {
		return fmt.Errorf("AI_HOURLY_CAP must be non-negative, got %d", c.AIHourlyCap)
	}
	if c.AIConfidenceThreshold < 0 || c.AIConfidenceThreshold > 1 {
		return fmt.Errorf("AI_CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.AIConfidenceThreshold)
	}
	if c.AIMinSources < 1 {
		return fmt.Errorf("AI_MIN_SOURCES must be at least 1, got %d", c.AIMinSources)
	}
	if c.AIDecisionCacheTTL <= 0 {
		return fmt.Errorf("AI_DECISION_CACHE_TTL must be positive")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.SentinelCheckInterval <= 0 {
		return fmt.Errorf("SENTINEL_CHECK_INTERVAL must be positive")
	}
	if c.SentinelRequestTimeout <= 0 {
		return fmt.Errorf("SENTINEL_REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// AIConfigured reports whether the generative API has credentials.
func (c *Config) AIConfigured() bool {
	return strings.TrimSpace(c.AIAPIKey) != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
