package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable, e.g. SETTLEMENT_APP_PORT.
const EnvPrefix = "SETTLEMENT"

const (
	EnvPort                = "SETTLEMENT_APP_PORT"
	EnvLogLevel            = "SETTLEMENT_LOG_LEVEL"
	EnvLogFormat           = "SETTLEMENT_LOG_FORMAT"
	EnvDBPath              = "SETTLEMENT_DB_PATH"
	EnvRedisURL            = "SETTLEMENT_REDIS_URL"
	EnvLockTTL             = "SETTLEMENT_LOCK_TTL"
	EnvMetricsEnabled      = "SETTLEMENT_METRICS_ENABLED"
	EnvDriverNumberPattern = "SETTLEMENT_DRIVER_NUMBER_PATTERN"
	EnvCORSOrigins         = "SETTLEMENT_CORS_ORIGINS"
)

type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Engine  EngineConfig
	Metrics MetricsConfig
	CORS    CORSConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Engine.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Port      int    `envconfig:"SETTLEMENT_APP_PORT" default:"8080"`
	LogLevel  string `envconfig:"SETTLEMENT_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"SETTLEMENT_LOG_FORMAT" default:"json"`
}

type DBConfig struct {
	Path string `envconfig:"SETTLEMENT_DB_PATH" default:"settlements.db"`
}

// RedisConfig selects the lock backend. An empty URL means in-process locks.
type RedisConfig struct {
	URL string `envconfig:"SETTLEMENT_REDIS_URL"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type EngineConfig struct {
	LockTTL             time.Duration `envconfig:"SETTLEMENT_LOCK_TTL" default:"30s"`
	DriverNumberPattern string        `envconfig:"SETTLEMENT_DRIVER_NUMBER_PATTERN" default:"\\bDRV-\\d{3,}\\b"`
}

func (e EngineConfig) validate() error {
	if e.LockTTL <= 0 {
		return fmt.Errorf("%s must be positive, got %s", EnvLockTTL, e.LockTTL)
	}
	if _, err := regexp.Compile(e.DriverNumberPattern); err != nil {
		return fmt.Errorf("%s: %w", EnvDriverNumberPattern, err)
	}
	return nil
}

type MetricsConfig struct {
	Enabled bool `envconfig:"SETTLEMENT_METRICS_ENABLED" default:"true"`
}

type CORSConfig struct {
	Origins []string `envconfig:"SETTLEMENT_CORS_ORIGINS" default:"*"`
}
