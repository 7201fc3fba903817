package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DatabaseURL      string
	ServerPort       string
	BaseURL          string
	FrontendURL      string
	ScoringURL       string
	IdentityURL      string
	IdentityAPIKey   string
	EnableHSTS       bool
	RedisURL         string
	RabbitMQURL      string
	RabbitMQPrefetch int
	SessionIdleTTL   int // minutes before an idle UI session is evicted
	WorkerDebugMode  bool
	ServerDebugMode  bool
	OTELEnabled      bool
	OTELEndpoint     string
}

// Load loads configuration from the environment. A .env file in the working
// directory is read first when present (local development convenience).
//
// Missing store or identity credentials are NOT fatal: startup continues and
// the affected operations fail per-call. Load returns the list of warnings
// so callers can log them once the logger exists.
func Load() (*Config, []string, error) {
	// Ignore the error: absence of .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		BaseURL:          getEnv("BASE_URL", "http://localhost:8080"),
		FrontendURL:      getEnv("FRONTEND_URL", "http://localhost:3000"),
		ScoringURL:       getEnv("SCORING_URL", "http://localhost:8000"),
		IdentityURL:      getEnv("IDENTITY_URL", ""),
		IdentityAPIKey:   getEnv("IDENTITY_API_KEY", ""),
		EnableHSTS:       getEnvBool("ENABLE_HSTS", false),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQPrefetch: getEnvInt("RABBITMQ_PREFETCH", 1),
		SessionIdleTTL:   getEnvInt("SESSION_IDLE_TTL_MINUTES", 60),
		WorkerDebugMode:  getEnvBool("WORKER_DEBUG_MODE", false),
		ServerDebugMode:  getEnvBool("SERVER_DEBUG_MODE", false),
		OTELEnabled:      getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var warnings []string
	if cfg.DatabaseURL == "" {
		warnings = append(warnings, "DATABASE_URL not set; profile and history operations will fail until configured")
	}
	if cfg.IdentityURL == "" {
		warnings = append(warnings, "IDENTITY_URL not set; sign-in and sign-up will fail until configured")
	}
	if cfg.ScoringURL == "" {
		return nil, warnings, fmt.Errorf("SCORING_URL cannot be empty")
	}

	return cfg, warnings, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
