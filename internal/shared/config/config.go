package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Storage
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// Redis (optional)
	RedisURL string

	// Model registry
	ModelsFile                string
	RegistryRefreshInterval   time.Duration
	RegistryInvalidateChannel string

	// Authentication & rate limiting
	KeyCacheTTL      time.Duration
	RateLimitBackend string

	// Backends
	BackendTimeout time.Duration
	StreamTimeout  time.Duration

	// Warmup
	WarmupEnabled         bool
	WarmupInterval        time.Duration
	WarmupTimeout         time.Duration
	WarmupPrompt          string
	WarmupMaxTokens       int
	WarmupConcurrency     int
	WarmupProbesPerSecond float64
	WarmupAPIKey          string

	// Usage accounting
	UsageBufferSize    int
	UsageBatchSize     int
	UsageFlushInterval time.Duration

	// Caching
	CacheEnabled    bool
	CacheTTLSeconds int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", "8080"),
		Env:                       getEnv("ENV", "development"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		StoreDriver:               getEnv("STORE_DRIVER", "sqlite"),
		DatabaseURL:               getEnv("DATABASE_URL", ""),
		SQLitePath:                getEnv("SQLITE_PATH", "./data/gateway.db"),
		RedisURL:                  getEnv("REDIS_URL", ""),
		ModelsFile:                getEnv("MODELS_FILE", ""),
		RegistryRefreshInterval:   getEnvDuration("REGISTRY_REFRESH_INTERVAL", 30*time.Second),
		RegistryInvalidateChannel: getEnv("REGISTRY_INVALIDATE_CHANNEL", "gateway:models:invalidate"),
		KeyCacheTTL:               getEnvDuration("KEY_CACHE_TTL", 30*time.Second),
		RateLimitBackend:          getEnv("RATE_LIMIT_BACKEND", "memory"),
		BackendTimeout:            getEnvDuration("BACKEND_TIMEOUT", 120*time.Second),
		StreamTimeout:             getEnvDuration("STREAM_TIMEOUT", 10*time.Minute),
		WarmupEnabled:             getEnvBool("WARMUP_ENABLED", true),
		WarmupInterval:            getEnvDuration("WARMUP_INTERVAL", 3*time.Minute),
		WarmupTimeout:             getEnvDuration("WARMUP_TIMEOUT", 2*time.Minute),
		WarmupPrompt:              getEnv("WARMUP_PROMPT", "what is 1 + 1"),
		WarmupMaxTokens:           getEnvInt("WARMUP_MAX_TOKENS", 10),
		WarmupConcurrency:         getEnvInt("WARMUP_CONCURRENCY", 4),
		WarmupProbesPerSecond:     getEnvFloat("WARMUP_PROBES_PER_SECOND", 2),
		WarmupAPIKey:              getEnv("WARMUP_API_KEY", ""),
		UsageBufferSize:           getEnvInt("USAGE_BUFFER_SIZE", 10000),
		UsageBatchSize:            getEnvInt("USAGE_BATCH_SIZE", 100),
		UsageFlushInterval:        getEnvDuration("USAGE_FLUSH_INTERVAL", time.Second),
		CacheEnabled:              getEnvBool("CACHE_ENABLED", false),
		CacheTTLSeconds:           getEnvInt("CACHE_TTL_SECONDS", 3600),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field requirements
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q (use postgres or sqlite)", c.StoreDriver)
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_BACKEND %q (use memory or redis)", c.RateLimitBackend)
	}

	if c.CacheEnabled && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when CACHE_ENABLED=true")
	}

	if c.RegistryRefreshInterval <= 0 {
		return fmt.Errorf("REGISTRY_REFRESH_INTERVAL must be positive")
	}
	if c.BackendTimeout <= 0 || c.StreamTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT and STREAM_TIMEOUT must be positive")
	}
	if c.WarmupEnabled && (c.WarmupInterval <= 0 || c.WarmupTimeout <= 0) {
		return fmt.Errorf("WARMUP_INTERVAL and WARMUP_TIMEOUT must be positive")
	}
	if c.UsageBufferSize <= 0 || c.UsageBatchSize <= 0 {
		return fmt.Errorf("USAGE_BUFFER_SIZE and USAGE_BATCH_SIZE must be positive")
	}

	return nil
}

// DatabaseDSN returns the driver-specific connection string
func (c *Config) DatabaseDSN() string {
	if c.StoreDriver == "sqlite" {
		return c.SQLitePath
	}
	return c.DatabaseURL
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
