// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example JWT_SECRET becomes jwt_secret
// in YAML.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies. ClickHouse is optional; leave
// CLICKHOUSE_ADDR empty to log requests through slog only.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// NodeID identifies this gateway instance for ID generation. Instances
	// sharing a Redis cache must use distinct node IDs. Range 0..1023.
	NodeID int64

	// CatalogPath points at the YAML catalog of providers, models, keys and
	// policies loaded at startup. Default: "catalog.yaml".
	CatalogPath string

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls the metadata cache backend and TTLs.
	Cache CacheConfig

	// Auth controls credential verification.
	Auth AuthConfig

	// Upstream controls the outbound HTTP client.
	Upstream UpstreamConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// ClickHouse configures the analytics sink for request logs.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the metadata cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "memory" — in-process map, no external dependencies (default)
	//   "redis"  — shared Redis cache, requires REDIS_URL
	Mode string

	// Prefix namespaces every cache key. Default: "cyder:".
	Prefix string

	// PositiveTTL is the lifetime of found entries. Default: 5m.
	PositiveTTL time.Duration

	// NegativeTTL is the lifetime of known-absent entries. Default: 30s.
	NegativeTTL time.Duration
}

// AuthConfig controls credential verification.
type AuthConfig struct {
	// JWTSecret is the HMAC secret used to verify "jwt-" tokens.
	// Leave empty to reject all JWT credentials.
	JWTSecret string
}

// UpstreamConfig controls the outbound HTTP client.
type UpstreamConfig struct {
	// ProxyURL routes outbound requests for providers with use_proxy set
	// through an HTTP proxy. Leave empty to connect directly.
	ProxyURL string

	// FirstByteTimeout bounds the wait for upstream response headers.
	// Default: 30s.
	FirstByteTimeout time.Duration
}

// RateLimitConfig controls per-system-key rate limiting.
type RateLimitConfig struct {
	// RPM is the requests-per-minute ceiling per system key.
	// 0 disables limiting. Enforced only when Redis is configured.
	RPM int
}

// ClickHouseConfig configures the optional analytics sink.
type ClickHouseConfig struct {
	// Addr is the native-protocol address, e.g. "localhost:9000".
	// Leave empty to disable the ClickHouse sink.
	Addr     string
	Database string
	Username string
	Password string
}

// Load reads configuration from the environment and optional config files.
func Load() (*Config, error) {
	// Load .env first so viper's AutomaticEnv sees its variables.
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	// A missing config file is fine; env vars alone are a valid setup.
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NODE_ID", 0)
	v.SetDefault("CATALOG_PATH", "catalog.yaml")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_PREFIX", "cyder:")
	v.SetDefault("CACHE_POSITIVE_TTL", 5*time.Minute)
	v.SetDefault("CACHE_NEGATIVE_TTL", 30*time.Second)
	v.SetDefault("UPSTREAM_FIRST_BYTE_TIMEOUT", 30*time.Second)
	v.SetDefault("RATE_LIMIT_RPM", 0)
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),

		NodeID:      v.GetInt64("NODE_ID"),
		CatalogPath: v.GetString("CATALOG_PATH"),

		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},

		Cache: CacheConfig{
			Mode:        v.GetString("CACHE_MODE"),
			Prefix:      v.GetString("CACHE_PREFIX"),
			PositiveTTL: v.GetDuration("CACHE_POSITIVE_TTL"),
			NegativeTTL: v.GetDuration("CACHE_NEGATIVE_TTL"),
		},

		Auth: AuthConfig{
			JWTSecret: v.GetString("JWT_SECRET"),
		},

		Upstream: UpstreamConfig{
			ProxyURL:         v.GetString("UPSTREAM_PROXY_URL"),
			FirstByteTimeout: v.GetDuration("UPSTREAM_FIRST_BYTE_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPM: v.GetInt("RATE_LIMIT_RPM"),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory",
			c.Cache.Mode,
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("config: NODE_ID must be in 0..1023, got %d", c.NodeID)
	}

	if c.Upstream.FirstByteTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_FIRST_BYTE_TIMEOUT must be a positive duration")
	}

	if c.RateLimit.RPM < 0 {
		return fmt.Errorf("config: RATE_LIMIT_RPM must be ≥ 0, got %d", c.RateLimit.RPM)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
