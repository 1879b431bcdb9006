// Package config loads server settings from the environment, an optional
// .env file, and defaults, using viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/collectif/connect-ledger/ledger"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the ledger server.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabasePath   string `mapstructure:"DATABASE_PATH"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`

	JWTSecret      string `mapstructure:"JWT_SECRET"`
	JWTIssuer      string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	CORSOrigins    string `mapstructure:"CORS_ORIGINS"`

	ServiceAwardPoints   int64  `mapstructure:"SERVICE_AWARD_POINTS"`
	ForumPostAwardPoints int64  `mapstructure:"FORUM_POST_AWARD_POINTS"`
	TierRule             string `mapstructure:"TIER_RULE"`
	TxMaxAttempts        int    `mapstructure:"TX_MAX_ATTEMPTS"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	RewardCatalogPath string        `mapstructure:"REWARD_CATALOG_PATH"`
	PointValue        string        `mapstructure:"POINT_VALUE"`
	PointCurrency     string        `mapstructure:"POINT_CURRENCY"`
	AuditInterval     time.Duration `mapstructure:"AUDIT_INTERVAL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var keys = []string{
	"SERVER_PORT",
	"DATABASE_DRIVER", "DATABASE_PATH", "DATABASE_URL",
	"JWT_SECRET", "JWT_ISSUER", "INTERNAL_API_KEY", "CORS_ORIGINS",
	"SERVICE_AWARD_POINTS", "FORUM_POST_AWARD_POINTS", "TIER_RULE", "TX_MAX_ATTEMPTS",
	"RABBITMQ_URL", "EVENTS_EXCHANGE",
	"REWARD_CATALOG_PATH", "POINT_VALUE", "POINT_CURRENCY", "AUDIT_INTERVAL",
	"LOG_LEVEL", "LOG_FORMAT",
}

// Load reads configuration. dir is searched for a .env file; a missing file
// is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()
	if dir != "" {
		v.AddConfigPath(dir)
		v.SetConfigName(".env")
		v.SetConfigType("env")
	}

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("DATABASE_DRIVER", DriverSQLite)
	v.SetDefault("DATABASE_PATH", "connect.db")
	v.SetDefault("SERVICE_AWARD_POINTS", 50)
	v.SetDefault("FORUM_POST_AWARD_POINTS", 10)
	v.SetDefault("TIER_RULE", string(ledger.TierRuleAtLeast))
	v.SetDefault("TX_MAX_ATTEMPTS", ledger.DefaultMaxAttempts)
	v.SetDefault("EVENTS_EXCHANGE", "collectif.ledger")
	v.SetDefault("POINT_VALUE", "0.01")
	v.SetDefault("POINT_CURRENCY", "EUR")
	v.SetDefault("AUDIT_INTERVAL", "0s")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if dir != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite, postgres or memory, got %q", c.DatabaseDriver)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.InternalAPIKey == "" {
		return errors.New("INTERNAL_API_KEY is required")
	}
	if c.ServiceAwardPoints <= 0 {
		return fmt.Errorf("SERVICE_AWARD_POINTS must be positive, got %d", c.ServiceAwardPoints)
	}
	if c.ForumPostAwardPoints < 0 {
		return fmt.Errorf("FORUM_POST_AWARD_POINTS must not be negative, got %d", c.ForumPostAwardPoints)
	}
	if _, err := ledger.ParseTierRule(c.TierRule); err != nil {
		return fmt.Errorf("TIER_RULE: %w", err)
	}
	if c.TxMaxAttempts <= 0 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be positive, got %d", c.TxMaxAttempts)
	}
	if c.AuditInterval < 0 {
		return fmt.Errorf("AUDIT_INTERVAL must not be negative, got %s", c.AuditInterval)
	}
	return nil
}

// Origins splits CORS_ORIGINS on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
