package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Scheduling
	Timezone            string        `mapstructure:"TIMEZONE"`
	SlotFirst           string        `mapstructure:"SLOT_FIRST"`
	SlotLast            string        `mapstructure:"SLOT_LAST"`
	SlotGranularityMins int           `mapstructure:"SLOT_GRANULARITY_MINUTES"`
	OpTimeout           time.Duration `mapstructure:"SCHEDULING_OP_TIMEOUT"`
	MaxRangeDays        int           `mapstructure:"MAX_RANGE_DAYS"`

	// Occupancy cache
	CacheBackend string        `mapstructure:"CACHE_BACKEND"`
	CacheSize    int           `mapstructure:"CACHE_SIZE"`
	CacheTTL     time.Duration `mapstructure:"CACHE_TTL"`
	RedisURL     string        `mapstructure:"REDIS_URL"`

	// Events
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	// Logging
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"TIMEZONE", "SLOT_FIRST", "SLOT_LAST", "SLOT_GRANULARITY_MINUTES",
	"SCHEDULING_OP_TIMEOUT", "MAX_RANGE_DAYS",
	"CACHE_BACKEND", "CACHE_SIZE", "CACHE_TTL", "REDIS_URL",
	"AMQP_URL", "AMQP_EXCHANGE",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_MODE", "") // inferred from ENV when empty
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("SLOT_FIRST", "09:00")
	v.SetDefault("SLOT_LAST", "19:00")
	v.SetDefault("SLOT_GRANULARITY_MINUTES", 60)
	v.SetDefault("SCHEDULING_OP_TIMEOUT", "10s")
	v.SetDefault("MAX_RANGE_DAYS", 62)
	v.SetDefault("CACHE_BACKEND", "lru")
	v.SetDefault("CACHE_SIZE", 512)
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("AMQP_EXCHANGE", "installsched.events")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, unauthenticated requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments get "development" and everything else gets "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Location resolves TIMEZONE. "Today" and the current hour for the past-slot
// rule are evaluated in this location.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\"")
	}
	if mode == "development" && c.IsProduction() {
		return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SlotGranularityMins <= 0 {
		return fmt.Errorf("SLOT_GRANULARITY_MINUTES must be positive, got %d", c.SlotGranularityMins)
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("SCHEDULING_OP_TIMEOUT must be positive, got %s", c.OpTimeout)
	}
	if c.MaxRangeDays <= 0 {
		return fmt.Errorf("MAX_RANGE_DAYS must be positive, got %d", c.MaxRangeDays)
	}

	switch c.CacheBackend {
	case "", "none", "lru":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be \"lru\", \"redis\" or \"none\", got %q", c.CacheBackend)
	}

	return nil
}
