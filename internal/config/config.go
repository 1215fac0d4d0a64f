// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogPretty switches to human-readable console output.
	LogPretty bool `env:"LOG_PRETTY" envDefault:"false"`

	DB      DBConfig
	Rabbit  RabbitConfig
	Redis   RedisConfig
	Gateway GatewayConfig
	Outbox  OutboxConfig

	// NotifyBackend selects the confirmation sink: rabbit, redis or log.
	NotifyBackend string `env:"NOTIFY_BACKEND" envDefault:"log"`
}

// DBConfig holds storage settings. The PostgreSQL fields keep their
// historical variable names.
type DBConfig struct {
	Driver     string `env:"DB_DRIVER" envDefault:"postgres"`
	Host       string `env:"DB_HOST" envDefault:"localhost"`
	Port       string `env:"DB_PORT" envDefault:"5432"`
	User       string `env:"DB_USER" envDefault:"postgres"`
	Password   string `env:"DB_PASSWORD" envDefault:"postgres"`
	Name       string `env:"DB_NAME" envDefault:"eventbooking"`
	SSLMode    string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns   int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"registrations.db"`
}

// DSN builds a libpq-compatible connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RabbitConfig configures the broker used for gateway notifications and
// outbound confirmations. An empty URL disables the payment consumer.
type RabbitConfig struct {
	URL            string `env:"RABBIT_URL"`
	PaymentsQueue  string `env:"RABBIT_PAYMENTS_QUEUE" envDefault:"payments.notifications"`
	NotifyExchange string `env:"RABBIT_NOTIFY_EXCHANGE" envDefault:"registrations.notifications"`
}

// RedisConfig configures the redis notification sink.
type RedisConfig struct {
	Addr       string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password   string `env:"REDIS_PASSWORD"`
	DB         int    `env:"REDIS_DB" envDefault:"0"`
	NotifyList string `env:"REDIS_NOTIFY_LIST" envDefault:"registrations:notifications"`
}

// GatewayConfig configures the payment gateway client.
type GatewayConfig struct {
	URL     string        `env:"GATEWAY_URL" envDefault:"http://localhost:9090"`
	APIKey  string        `env:"GATEWAY_API_KEY"`
	Timeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
}

// OutboxConfig configures the confirmation relay.
type OutboxConfig struct {
	Interval  time.Duration `env:"OUTBOX_INTERVAL" envDefault:"2s"`
	BatchSize int           `env:"OUTBOX_BATCH" envDefault:"50"`
	// Lease is how long a claimed entry stays hidden from other flushes
	// before an unacknowledged dispatch is retried.
	Lease time.Duration `env:"OUTBOX_LEASE" envDefault:"30s"`
}

// Load parses the environment and validates enumerated settings.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DB.Driver)
	}
	switch c.NotifyBackend {
	case "log", "redis":
	case "rabbit":
		if c.Rabbit.URL == "" {
			return fmt.Errorf("NOTIFY_BACKEND=rabbit requires RABBIT_URL")
		}
	default:
		return fmt.Errorf("NOTIFY_BACKEND must be rabbit, redis or log, got %q", c.NotifyBackend)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH must be positive")
	}
	if c.Outbox.Interval <= 0 {
		return fmt.Errorf("OUTBOX_INTERVAL must be positive")
	}
	if c.Outbox.Lease <= 0 {
		return fmt.Errorf("OUTBOX_LEASE must be positive")
	}
	return nil
}
