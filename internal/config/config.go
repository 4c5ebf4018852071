package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port      int
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Redis, backing the Asynq-based durable Scheduler.
	RedisURL  string
	RedisAddr string // host:port form Asynq's RedisClientOpt wants

	// Auth gate, injected into internal/server/middleware as the pluggable
	// AuthGate — tunneld itself has no opinion on how a client is
	// authenticated.
	AuthSharedSecret string

	// CORS
	CORSAllowedOrigins []string

	// Default retry policy and refresh interval used when a TunnelConfig
	// leaves its own fields at zero (spec §3).
	DefaultRetryIntervalMs   int
	DefaultMaxRetries        int
	DefaultRefreshIntervalMs int

	// IngressRatePerSecond/IngressBurst bound the Command Ingress rate
	// limiter (spec §4.7).
	IngressRatePerSecond float64
	IngressBurst         int
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnvAsInt("PORT", 8080),
		Env:                      getEnv("ENV", "development"),
		Version:                  getEnv("VERSION", "0.1.0"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogFormat:                getEnv("LOG_FORMAT", "json"),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379"),
		AuthSharedSecret:         getEnv("AUTH_SHARED_SECRET", ""),
		CORSAllowedOrigins:       getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		DefaultRetryIntervalMs:   getEnvAsInt("DEFAULT_RETRY_INTERVAL_MS", 5000),
		DefaultMaxRetries:        getEnvAsInt("DEFAULT_MAX_RETRIES", 5),
		DefaultRefreshIntervalMs: getEnvAsInt("DEFAULT_REFRESH_INTERVAL_MS", 30000),
		IngressRatePerSecond:     getEnvAsFloat("INGRESS_RATE_PER_SECOND", 5),
		IngressBurst:             getEnvAsInt("INGRESS_BURST", 10),
	}

	// Parse Redis URL to get host:port
	cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	
	// Simple CSV split (for more complex parsing, use a proper CSV library)
	var result []string
	current := ""
	for _, char := range valueStr {
		if char == ',' {
			if current != "" {
				result = append(result, current)
				current = ""
			}
		} else {
			current += string(char)
		}
	}
	if current != "" {
		result = append(result, current)
	}
	
	return result
}

// parseRedisAddr extracts host:port from Redis URL
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	// Remove redis:// prefix if present
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	
	// Remove trailing slash if present
	addr = strings.TrimSuffix(addr, "/")
	
	// If no port specified, add default Redis port
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	
	return addr
}
