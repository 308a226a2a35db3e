// Package config provides configuration management for the qbroker standalone server.
// It loads settings from environment variables with sensible defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/qbroker"
)

// Storage drivers understood by the server.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPebble   = "pebble"
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the qbroker server.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Queue   QueueConfig
	Log     LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST"             envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT"             envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver   string `env:"STORAGE_DRIVER" envDefault:"file"` // memory, file, pebble, sqlite3, mysql, postgres
	Dir      string `env:"STORAGE_DIR"    envDefault:"./data"`
	Fsync    bool   `env:"STORAGE_FSYNC"  envDefault:"false"`
	Host     string `env:"DB_HOST"        envDefault:"localhost"`
	Port     int    `env:"DB_PORT"        envDefault:"5432"`
	User     string `env:"DB_USER"        envDefault:"qbroker"`
	Password string `env:"DB_PASSWORD"`
	Database string `env:"DB_NAME"        envDefault:"qbroker"`
	Prefix   string `env:"DB_PREFIX"      envDefault:"qbroker_"`
	Migrate  bool   `env:"DB_MIGRATE"     envDefault:"true"`
}

// QueueConfig holds the default delivery policy for new queues.
type QueueConfig struct {
	MaxRetries             int           `env:"QUEUE_MAX_RETRIES"         envDefault:"3"`
	RetryDelay             time.Duration `env:"QUEUE_RETRY_DELAY"         envDefault:"1s"`
	RetryBackoffMultiplier float64       `env:"QUEUE_BACKOFF_MULTIPLIER"  envDefault:"2"`
	MaxRetryDelay          time.Duration `env:"QUEUE_MAX_RETRY_DELAY"     envDefault:"0s"`
	ProcessingInterval     time.Duration `env:"QUEUE_PROCESSING_INTERVAL" envDefault:"100ms"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"INFO"` // DEBUG, INFO, WARN, ERROR
	Format string `env:"LOG_FORMAT" envDefault:"json"` // json, text
}

// Load loads configuration from environment variables.
// Follows 12-factor app principles - configuration via environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := validation.ValidateStruct(&c.Storage,
		validation.Field(&c.Storage.Driver, validation.Required, validation.In(
			DriverMemory, DriverFile, DriverPebble, DriverSQLite, DriverMySQL, DriverPostgres)),
		validation.Field(&c.Storage.Dir, validation.When(c.Storage.usesDir(), validation.Required)),
		validation.Field(&c.Storage.Password, validation.When(c.Storage.IsNetworkSQL(), validation.Required)),
	); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("DEBUG", "INFO", "WARN", "ERROR")),
		validation.Field(&c.Log.Format, validation.In("json", "text")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if err := c.Queue.Broker().Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// Broker converts the queue settings to the broker's default queue policy.
func (q QueueConfig) Broker() qbroker.QueueConfig {
	return qbroker.QueueConfig{
		MaxRetries:             q.MaxRetries,
		RetryDelay:             q.RetryDelay,
		RetryBackoffMultiplier: q.RetryBackoffMultiplier,
		MaxRetryDelay:          q.MaxRetryDelay,
		ProcessingInterval:     q.ProcessingInterval,
	}
}

func (c StorageConfig) usesDir() bool {
	return c.Driver == DriverFile || c.Driver == DriverPebble || c.Driver == DriverSQLite
}

// IsSQL reports whether the driver is served by the relational adapter.
func (c StorageConfig) IsSQL() bool {
	return c.Driver == DriverSQLite || c.IsNetworkSQL()
}

// IsNetworkSQL reports whether the driver talks to a database server.
func (c StorageConfig) IsNetworkSQL() bool {
	return c.Driver == DriverMySQL || c.Driver == DriverPostgres
}

// GetDSN returns the database connection string based on driver.
func (c StorageConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case DriverPostgres:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case DriverSQLite:
		return c.Dir + "/" + c.Database + ".db" // SQLite uses file path as DSN
	default:
		return ""
	}
}
