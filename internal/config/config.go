package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string  `mapstructure:"PORT"`
	Env                  string  `mapstructure:"ENV"`
	LogLevel             string  `mapstructure:"LOG_LEVEL"`
	DatabaseURL          string  `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32   `mapstructure:"DB_MIN_CONNS"`
	DBLockTimeoutMS      int     `mapstructure:"DB_LOCK_TIMEOUT_MS"`
	ClinicTimezone       string  `mapstructure:"CLINIC_TIMEZONE"`
	CatalogFile          string  `mapstructure:"CATALOG_FILE"`
	EngineMaxRetries     int     `mapstructure:"ENGINE_MAX_RETRIES"`
	NoShowIdleMinutes    int     `mapstructure:"NO_SHOW_IDLE_MINUTES"`
	NoShowScanSeconds    int     `mapstructure:"NO_SHOW_SCAN_INTERVAL_SECONDS"`
	NoShowBatchSize      int     `mapstructure:"NO_SHOW_BATCH_SIZE"`
	SystemActorID        string  `mapstructure:"SYSTEM_ACTOR_ID"`
	StatsCacheTTLSeconds int     `mapstructure:"STATS_CACHE_TTL_SECONDS"`
	RateLimitRPS         float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int     `mapstructure:"RATE_LIMIT_BURST"`
	OTLPEndpoint         string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure         bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_LOCK_TIMEOUT_MS", "CLINIC_TIMEZONE", "CATALOG_FILE", "ENGINE_MAX_RETRIES",
	"NO_SHOW_IDLE_MINUTES", "NO_SHOW_SCAN_INTERVAL_SECONDS", "NO_SHOW_BATCH_SIZE",
	"SYSTEM_ACTOR_ID", "STATS_CACHE_TTL_SECONDS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads the environment, then an optional .env file, over the defaults
// below. An empty DATABASE_URL selects the in-memory store.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_LOCK_TIMEOUT_MS", 2000)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("ENGINE_MAX_RETRIES", 3)
	v.SetDefault("NO_SHOW_IDLE_MINUTES", 60)
	v.SetDefault("NO_SHOW_SCAN_INTERVAL_SECONDS", 30)
	v.SetDefault("NO_SHOW_BATCH_SIZE", 100)
	v.SetDefault("SYSTEM_ACTOR_ID", "system")
	v.SetDefault("STATS_CACHE_TTL_SECONDS", 15)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
	// DB_DSN is the older name for the connection string.
	_ = v.BindEnv("DATABASE_URL", "DATABASE_URL", "DB_DSN")

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.ClinicTimezone)
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.DBLockTimeoutMS) * time.Millisecond
}

func (c *Config) NoShowIdle() time.Duration {
	return time.Duration(c.NoShowIdleMinutes) * time.Minute
}

// NoShowInterval is zero when the periodic sweep is disabled.
func (c *Config) NoShowInterval() time.Duration {
	if c.NoShowScanSeconds <= 0 {
		return 0
	}
	return time.Duration(c.NoShowScanSeconds) * time.Second
}

func (c *Config) StatsCacheTTL() time.Duration {
	return time.Duration(c.StatsCacheTTLSeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	if c.EngineMaxRetries <= 0 {
		return fmt.Errorf("ENGINE_MAX_RETRIES must be positive, got %d", c.EngineMaxRetries)
	}
	if c.DBLockTimeoutMS <= 0 {
		return fmt.Errorf("DB_LOCK_TIMEOUT_MS must be positive, got %d", c.DBLockTimeoutMS)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.NoShowScanSeconds > 0 && c.NoShowIdleMinutes <= 0 {
		return fmt.Errorf("NO_SHOW_IDLE_MINUTES must be positive when the sweep is enabled")
	}
	if c.SystemActorID == "" {
		return fmt.Errorf("SYSTEM_ACTOR_ID is required")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}
