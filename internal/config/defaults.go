package config

const (
	defaultBind             = "127.0.0.1:8080"
	defaultStoreBackend     = "sqlite"
	defaultSQLitePath       = "reviewflow.db"
	defaultRedisAddr        = "localhost:6379"
	defaultRedisPrefix      = "reviewflow:"
	defaultQueueCapacity    = 1024
	defaultKafkaGroup       = "reviewflow"
	defaultWorkerAttempts   = 5
	defaultDedupeTTLSeconds = 7 * 24 * 60 * 60
	defaultSweepSchedule    = "@every 30s"
	defaultRetryAttempts    = 5
	defaultRetryInitialMS   = 200
	defaultRetryMaxMS       = 10_000
	defaultRetryMultiplier  = 2.0
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultServiceName      = "reviewflowd"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Bind: defaultBind,
		},
		Store: Store{
			Backend:     defaultStoreBackend,
			SQLitePath:  defaultSQLitePath,
			RedisAddr:   defaultRedisAddr,
			RedisPrefix: defaultRedisPrefix,
		},
		Submissions: Submissions{
			Backend: "memory",
		},
		Queue: Queue{
			Backend:    "sqlite",
			SQLitePath: defaultSQLitePath,
			Capacity:   defaultQueueCapacity,
			KafkaGroup: defaultKafkaGroup,
		},
		Worker: Worker{
			Enabled:          true,
			MaxAttempts:      defaultWorkerAttempts,
			DedupeBackend:    "memory",
			DedupeTTLSeconds: defaultDedupeTTLSeconds,
		},
		Sweep: Sweep{
			Enabled:  true,
			Schedule: defaultSweepSchedule,
		},
		Retry: Retry{
			MaxAttempts:      defaultRetryAttempts,
			InitialBackoffMS: defaultRetryInitialMS,
			MaxBackoffMS:     defaultRetryMaxMS,
			Multiplier:       defaultRetryMultiplier,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Tracing: Tracing{
			ServiceName: defaultServiceName,
		},
	}
}
