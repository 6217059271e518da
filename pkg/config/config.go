// Package config loads and validates server configuration from YAML plus
// environment variables. YAML supplies tunables; secrets and connection
// strings come from the environment.
package config

import "time"

// Config is the fully resolved server configuration.
type Config struct {
	configDir string

	Server      *ServerConfig      `yaml:"server"`
	Database    *DatabaseConfig    `yaml:"database"`
	FastStore   *FastStoreConfig   `yaml:"fast_store"`
	ObjectStore *ObjectStoreConfig `yaml:"object_store"`
	Secrets     *SecretsConfig     `yaml:"secrets"`
	Model       *ModelConfig       `yaml:"model"`
	Queue       *QueueConfig       `yaml:"queue"`
	Session     *SessionConfig     `yaml:"session"`
	Pathing     *PathingConfig     `yaml:"pathing"`
	Logging     *LoggingConfig     `yaml:"logging"`
	Auth        *AuthConfig        `yaml:"auth"`

	Notifications *NotificationsConfig `yaml:"notifications"`
}

// ConfigDir returns the directory the YAML was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds relational store settings. URL comes from
// DATABASE_URL when unset here.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// FastStoreConfig holds Redis settings. Host and port come from
// REDIS_HOST / REDIS_PORT when unset here.
type FastStoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ObjectStoreConfig holds S3 settings. Bucket and region come from
// S3_BUCKET / AWS_REGION when unset here.
type ObjectStoreConfig struct {
	Bucket     string        `yaml:"bucket"`
	Region     string        `yaml:"region"`
	Endpoint   string        `yaml:"endpoint,omitempty"` // non-AWS endpoints (minio) in dev
	PresignTTL time.Duration `yaml:"presign_ttl"`
}

// SecretsConfig holds envelope-encryption settings. KMSKeyID comes from
// KMS_KEY_ID when unset here.
type SecretsConfig struct {
	KMSKeyID string        `yaml:"kms_key_id"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ModelConfig holds the AI caller settings: model selection, retry/backoff
// for overload, and the token prices the Budget Gate charges with.
type ModelConfig struct {
	Name      string `yaml:"name"`
	MaxTokens int64  `yaml:"max_tokens"`

	// Overload retry policy.
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            float64       `yaml:"jitter"`

	// USD per million tokens. Forecast tokens are the worst case reserved
	// by the Budget Gate before the call.
	InputPricePerMTok     float64 `yaml:"input_price_per_mtok"`
	OutputPricePerMTok    float64 `yaml:"output_price_per_mtok"`
	ForecastInputTokens   int64   `yaml:"forecast_input_tokens"`
	ForecastOutputTokens  int64   `yaml:"forecast_output_tokens"`
}

// QueueConfig controls the background worker pools. Workers maps a worker
// class to its goroutine count; each class consumes the queue of the same
// name.
type QueueConfig struct {
	Workers                 map[string]int `yaml:"workers"`
	PollInterval            time.Duration  `yaml:"poll_interval"`
	PollIntervalJitter      time.Duration  `yaml:"poll_interval_jitter"`
	TaskTimeout             time.Duration  `yaml:"task_timeout"`
	GracefulShutdownTimeout time.Duration  `yaml:"graceful_shutdown_timeout"`
}

// SessionConfig controls per-session lifecycle and retry budgets.
type SessionConfig struct {
	// TTL is the fast-store record lifetime; also the sweeper's timeout
	// threshold for non-terminal sessions.
	TTL                time.Duration `yaml:"ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	HeartbeatThreshold time.Duration `yaml:"heartbeat_threshold"`
	FlushInterval      time.Duration `yaml:"flush_interval"` // budget counter flush cadence

	MaxStepRetries int           `yaml:"max_step_retries"`
	MaxRecoveries  int           `yaml:"max_recoveries"`
	PageRetryWait  time.Duration `yaml:"page_retry_wait"`
}

// PathingConfig caps junction path exploration. Thresholds are tunables,
// not contract.
type PathingConfig struct {
	MaxPaths               int `yaml:"max_paths"`
	MaxOptionsForJunction  int `yaml:"max_options_for_junction"`
	MaxOptionsToTest       int `yaml:"max_options_to_test"`
	LargeDropdownThreshold int `yaml:"large_dropdown_threshold"`
}

// LoggingConfig controls structured log emission. Level comes from
// LOG_LEVEL when unset here. DebugTenants get prompts and responses logged
// verbatim (still scrubbed).
type LoggingConfig struct {
	Level               string   `yaml:"level"`
	Format              string   `yaml:"format"` // json or text
	BatchThresholdBytes int      `yaml:"batch_threshold_bytes"`
	DebugTenants        []string `yaml:"debug_tenants"`
}

// DebugEnabled reports whether a tenant has verbose AI logging on.
func (l *LoggingConfig) DebugEnabled(tenantID string) bool {
	for _, t := range l.DebugTenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// AuthConfig holds user-auth settings. JWTSecret comes from JWT_SECRET when
// unset here.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// NotificationsConfig holds terminal-session notification settings.
// Notifications are disabled when SlackToken or SlackChannel is empty.
// Token and channel come from SLACK_TOKEN / SLACK_CHANNEL when unset here.
type NotificationsConfig struct {
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
	ConsoleURL   string `yaml:"console_url"` // base URL for session links
}
