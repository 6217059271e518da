package config

import "time"

// Worker class names. Each class owns the queue of the same name.
const (
	WorkerClassMapper = "mapper"
	WorkerClassRunner = "runner"
	WorkerClassForms  = "forms"
)

// DefaultServerConfig returns the built-in HTTP defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultDatabaseConfig returns the built-in pool defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DefaultFastStoreConfig returns the built-in Redis defaults.
func DefaultFastStoreConfig() *FastStoreConfig {
	return &FastStoreConfig{
		Host: "localhost",
		Port: 6379,
	}
}

// DefaultObjectStoreConfig returns the built-in S3 defaults.
func DefaultObjectStoreConfig() *ObjectStoreConfig {
	return &ObjectStoreConfig{
		PresignTTL: 15 * time.Minute,
	}
}

// DefaultSecretsConfig returns the built-in secret-store defaults.
func DefaultSecretsConfig() *SecretsConfig {
	return &SecretsConfig{
		CacheTTL: 5 * time.Minute,
	}
}

// DefaultModelConfig returns the built-in AI caller defaults.
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		Name:                 "claude-sonnet-4-20250514",
		MaxTokens:            8192,
		MaxAttempts:          4,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		BackoffMultiplier:    2.0,
		Jitter:               0.1,
		InputPricePerMTok:    3.0,
		OutputPricePerMTok:   15.0,
		ForecastInputTokens:  60000,
		ForecastOutputTokens: 8192,
	}
}

// DefaultQueueConfig returns the built-in worker pool defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Workers: map[string]int{
			WorkerClassMapper: 5,
			WorkerClassRunner: 5,
			WorkerClassForms:  2,
		},
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		TaskTimeout:             5 * time.Minute,
		GracefulShutdownTimeout: 5 * time.Minute,
	}
}

// DefaultSessionConfig returns the built-in session lifecycle defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		TTL:                2 * time.Hour,
		SweepInterval:      5 * time.Minute,
		HeartbeatThreshold: 2 * time.Minute,
		FlushInterval:      30 * time.Second,
		MaxStepRetries:     2,
		MaxRecoveries:      10,
		PageRetryWait:      60 * time.Second,
	}
}

// DefaultPathingConfig returns the built-in exploration caps.
func DefaultPathingConfig() *PathingConfig {
	return &PathingConfig{
		MaxPaths:               10,
		MaxOptionsForJunction:  15,
		MaxOptionsToTest:       3,
		LargeDropdownThreshold: 20,
	}
}

// DefaultLoggingConfig returns the built-in logging defaults.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Level:               "info",
		Format:              "json",
		BatchThresholdBytes: 50 * 1024,
	}
}
