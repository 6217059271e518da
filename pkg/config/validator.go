package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateDatabase(); err != nil {
		return err
	}
	if err := v.validateFastStore(); err != nil {
		return err
	}
	if err := v.validateObjectStore(); err != nil {
		return err
	}
	if err := v.validateModel(); err != nil {
		return err
	}
	if err := v.validateQueue(); err != nil {
		return err
	}
	if err := v.validateSession(); err != nil {
		return err
	}
	if err := v.validatePathing(); err != nil {
		return err
	}
	if err := v.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateDatabase() error {
	db := v.cfg.Database
	if db.URL == "" {
		return NewValidationError("database", "url", fmt.Errorf("%w: set DATABASE_URL or database.url", ErrMissingRequiredField))
	}
	if db.MaxOpenConns < 1 {
		return NewValidationError("database", "max_open_conns", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateFastStore() error {
	fs := v.cfg.FastStore
	if fs.Host == "" {
		return NewValidationError("fast_store", "host", fmt.Errorf("%w: set REDIS_HOST or fast_store.host", ErrMissingRequiredField))
	}
	if fs.Port < 1 || fs.Port > 65535 {
		return NewValidationError("fast_store", "port", fmt.Errorf("%w: %d", ErrInvalidValue, fs.Port))
	}
	return nil
}

func (v *ConfigValidator) validateObjectStore() error {
	os := v.cfg.ObjectStore
	if os.Bucket == "" {
		return NewValidationError("object_store", "bucket", fmt.Errorf("%w: set S3_BUCKET or object_store.bucket", ErrMissingRequiredField))
	}
	if os.Region == "" && os.Endpoint == "" {
		return NewValidationError("object_store", "region", fmt.Errorf("%w: set AWS_REGION or object_store.region", ErrMissingRequiredField))
	}
	if os.PresignTTL <= 0 {
		return NewValidationError("object_store", "presign_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateModel() error {
	m := v.cfg.Model
	if m.Name == "" {
		return NewValidationError("model", "name", ErrMissingRequiredField)
	}
	if m.MaxTokens < 1 {
		return NewValidationError("model", "max_tokens", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if m.MaxAttempts < 1 {
		return NewValidationError("model", "max_attempts", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if m.BackoffMultiplier < 1 {
		return NewValidationError("model", "backoff_multiplier", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if m.InputPricePerMTok < 0 || m.OutputPricePerMTok < 0 {
		return NewValidationError("model", "prices", fmt.Errorf("%w: prices cannot be negative", ErrInvalidValue))
	}
	if m.ForecastInputTokens < 0 || m.ForecastOutputTokens < 0 {
		return NewValidationError("model", "forecast_tokens", fmt.Errorf("%w: forecasts cannot be negative", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if len(q.Workers) == 0 {
		return NewValidationError("queue", "workers", fmt.Errorf("%w: at least one worker class required", ErrMissingRequiredField))
	}
	for class, count := range q.Workers {
		if count < 1 {
			return NewValidationError("queue", "workers", fmt.Errorf("%w: class %q needs at least 1 worker", ErrInvalidValue, class))
		}
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.PollIntervalJitter < 0 || q.PollIntervalJitter >= q.PollInterval {
		return NewValidationError("queue", "poll_interval_jitter", fmt.Errorf("%w: must be in [0, poll_interval)", ErrInvalidValue))
	}
	if q.TaskTimeout <= 0 {
		return NewValidationError("queue", "task_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateSession() error {
	s := v.cfg.Session
	if s.TTL <= 0 {
		return NewValidationError("session", "ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.SweepInterval <= 0 {
		return NewValidationError("session", "sweep_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.HeartbeatThreshold <= 0 {
		return NewValidationError("session", "heartbeat_threshold", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.MaxStepRetries < 0 {
		return NewValidationError("session", "max_step_retries", fmt.Errorf("%w: cannot be negative", ErrInvalidValue))
	}
	if s.MaxRecoveries < 1 {
		return NewValidationError("session", "max_recoveries", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validatePathing() error {
	p := v.cfg.Pathing
	if p.MaxPaths < 1 {
		return NewValidationError("pathing", "max_paths", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if p.MaxOptionsForJunction < 1 {
		return NewValidationError("pathing", "max_options_for_junction", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if p.MaxOptionsToTest < 1 {
		return NewValidationError("pathing", "max_options_to_test", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if p.LargeDropdownThreshold < 1 {
		return NewValidationError("pathing", "large_dropdown_threshold", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateLogging() error {
	l := v.cfg.Logging
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("logging", "level", fmt.Errorf("%w: %q (want debug, info, warn, error)", ErrInvalidValue, l.Level))
	}
	switch l.Format {
	case "json", "text":
	default:
		return NewValidationError("logging", "format", fmt.Errorf("%w: %q (want json or text)", ErrInvalidValue, l.Format))
	}
	if l.BatchThresholdBytes < 1 {
		return NewValidationError("logging", "batch_threshold_bytes", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
