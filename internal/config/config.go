// Package config loads the reviewflowd TOML configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Server configures the control API listener.
type Server struct {
	Bind      string `toml:"bind" validate:"required,hostname_port"`
	AccessLog bool   `toml:"access_log"`
}

// Store selects where workflow instances and their history live.
type Store struct {
	Backend     string `toml:"backend" validate:"oneof=memory sqlite redis postgres"`
	SQLitePath  string `toml:"sqlite_path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// Submissions selects the database the review steps write statuses to.
type Submissions struct {
	Backend     string `toml:"backend" validate:"oneof=memory postgres"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// Queue selects the producer for jobs, notifications and deferred signals.
type Queue struct {
	Backend      string   `toml:"backend" validate:"oneof=memory sqlite gochannel kafka"`
	SQLitePath   string   `toml:"sqlite_path"`
	Capacity     int      `toml:"capacity" validate:"gte=0"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaGroup   string   `toml:"kafka_group"`
}

// Worker configures the in-process consumer of the signals topic.
type Worker struct {
	Enabled          bool   `toml:"enabled"`
	MaxAttempts      int    `toml:"max_attempts" validate:"gte=1"`
	DedupeBackend    string `toml:"dedupe_backend" validate:"oneof=memory redis"`
	DedupeTTLSeconds int    `toml:"dedupe_ttl_seconds" validate:"gte=0"`
}

// Sweep configures the expired-wait scheduler.
type Sweep struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule" validate:"required"`
}

// Retry is the engine's default step retry policy.
type Retry struct {
	MaxAttempts      int     `toml:"max_attempts" validate:"gte=1"`
	InitialBackoffMS int     `toml:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMS     int     `toml:"max_backoff_ms" validate:"gte=0"`
	Multiplier       float64 `toml:"multiplier" validate:"gte=1"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// Tracing configures the OTLP exporter.
type Tracing struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Config encapsulates all configuration values for reviewflowd.
type Config struct {
	Server      Server      `toml:"server"`
	Store       Store       `toml:"store"`
	Submissions Submissions `toml:"submissions"`
	Queue       Queue       `toml:"queue"`
	Worker      Worker      `toml:"worker"`
	Sweep       Sweep       `toml:"sweep"`
	Retry       Retry       `toml:"retry"`
	Logging     Logging     `toml:"logging"`
	Tracing     Tracing     `toml:"tracing"`
}

// Load parses and validates the configuration file at path. A missing file
// is not an error: the defaults are returned and exists is false.
func Load(path string) (cfg *Config, exists bool, err error) {
	c := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, false, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			exists = true
			decoder := toml.NewDecoder(file).DisallowUnknownFields()
			if err := decoder.Decode(&c); err != nil {
				return nil, false, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := c.Validate(); err != nil {
		return nil, exists, err
	}
	return &c, exists, nil
}

// Parse decodes TOML data on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SampleConfig returns a commented configuration file with every key.
func SampleConfig() string {
	return sampleConfig
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func (r Retry) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMS) * time.Millisecond
}

func (r Retry) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

func (w Worker) DedupeTTL() time.Duration {
	return time.Duration(w.DedupeTTLSeconds) * time.Second
}
