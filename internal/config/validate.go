package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s: invalid value %v (%s)", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateSweep(); err != nil {
		return err
	}
	if c.Retry.MaxBackoffMS > 0 && c.Retry.MaxBackoffMS < c.Retry.InitialBackoffMS {
		return errors.New("retry.max_backoff_ms must not be below retry.initial_backoff_ms")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path must be set for the sqlite backend")
		}
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return errors.New("store.redis_addr must be set for the redis backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return errors.New("store.postgres_dsn must be set for the postgres backend")
		}
	}
	if c.Submissions.Backend == "postgres" && c.SubmissionsDSN() == "" {
		return errors.New("submissions.postgres_dsn must be set for the postgres backend")
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case "sqlite":
		if strings.TrimSpace(c.Queue.SQLitePath) == "" {
			return errors.New("queue.sqlite_path must be set for the sqlite backend")
		}
	case "kafka":
		if len(c.Queue.KafkaBrokers) == 0 {
			return errors.New("queue.kafka_brokers must list at least one broker")
		}
		if c.Queue.KafkaGroup == "" {
			return errors.New("queue.kafka_group must be set for the kafka backend")
		}
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Enabled && c.Worker.DedupeBackend == "redis" && strings.TrimSpace(c.Store.RedisAddr) == "" {
		return errors.New("worker.dedupe_backend redis requires store.redis_addr")
	}
	return nil
}

func (c *Config) validateSweep() error {
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		return fmt.Errorf("sweep.schedule: %w", err)
	}
	return nil
}

// SubmissionsDSN returns the submissions database DSN, falling back to the
// store DSN so one Postgres database can serve both.
func (c *Config) SubmissionsDSN() string {
	if c.Submissions.PostgresDSN != "" {
		return c.Submissions.PostgresDSN
	}
	return c.Store.PostgresDSN
}
