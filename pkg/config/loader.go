package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the single YAML file the server reads.
const ConfigFileName = "formscout.yaml"

// Initialize loads, resolves, and validates configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load formscout.yaml from configDir (optional; defaults apply if absent)
//  2. Expand {{.VAR}} environment templates
//  3. Merge user YAML over built-in defaults
//  4. Fill connection settings from the environment
//     (DATABASE_URL, REDIS_HOST/REDIS_PORT, S3_BUCKET, AWS_REGION,
//     KMS_KEY_ID, JWT_SECRET, LOG_LEVEL)
//  5. Validate the result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"listen_addr", cfg.Server.ListenAddr,
		"worker_classes", len(cfg.Queue.Workers),
		"max_paths", cfg.Pathing.MaxPaths)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var fileCfg Config
	found, err := loadYAML(filepath.Join(configDir, ConfigFileName), &fileCfg)
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}
	if !found {
		slog.Info("No configuration file found, using defaults", "path", filepath.Join(configDir, ConfigFileName))
	}

	cfg := &Config{
		configDir:   configDir,
		Server:      DefaultServerConfig(),
		Database:    DefaultDatabaseConfig(),
		FastStore:   DefaultFastStoreConfig(),
		ObjectStore: DefaultObjectStoreConfig(),
		Secrets:     DefaultSecretsConfig(),
		Model:       DefaultModelConfig(),
		Queue:       DefaultQueueConfig(),
		Session:     DefaultSessionConfig(),
		Pathing:     DefaultPathingConfig(),
		Logging:     DefaultLoggingConfig(),
		Auth:        &AuthConfig{},

		Notifications: &NotificationsConfig{},
	}

	// Merge user-provided sections into defaults (non-zero values override).
	if err := mergeSection("server", cfg.Server, fileCfg.Server); err != nil {
		return nil, err
	}
	if err := mergeSection("database", cfg.Database, fileCfg.Database); err != nil {
		return nil, err
	}
	if err := mergeSection("fast_store", cfg.FastStore, fileCfg.FastStore); err != nil {
		return nil, err
	}
	if err := mergeSection("object_store", cfg.ObjectStore, fileCfg.ObjectStore); err != nil {
		return nil, err
	}
	if err := mergeSection("secrets", cfg.Secrets, fileCfg.Secrets); err != nil {
		return nil, err
	}
	if err := mergeSection("model", cfg.Model, fileCfg.Model); err != nil {
		return nil, err
	}
	if err := mergeSection("queue", cfg.Queue, fileCfg.Queue); err != nil {
		return nil, err
	}
	if err := mergeSection("session", cfg.Session, fileCfg.Session); err != nil {
		return nil, err
	}
	if err := mergeSection("pathing", cfg.Pathing, fileCfg.Pathing); err != nil {
		return nil, err
	}
	if err := mergeSection("logging", cfg.Logging, fileCfg.Logging); err != nil {
		return nil, err
	}
	if err := mergeSection("auth", cfg.Auth, fileCfg.Auth); err != nil {
		return nil, err
	}
	if err := mergeSection("notifications", cfg.Notifications, fileCfg.Notifications); err != nil {
		return nil, err
	}

	resolveEnvironment(cfg)

	return cfg, nil
}

// mergeSection overlays a user-provided section onto its defaults.
// A nil src leaves the defaults untouched.
func mergeSection[T any](name string, dst, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

// loadYAML reads a single YAML file into target. Returns found=false when
// the file does not exist; other read errors are returned.
func loadYAML(path string, target any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return true, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return true, nil
}

// resolveEnvironment applies well-known environment variables on top of the
// merged configuration. For connection settings and secrets the environment
// wins over YAML, matching how deployments inject them.
func resolveEnvironment(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.FastStore.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.FastStore.Port = port
		}
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.ObjectStore.Region = v
	}
	if v := os.Getenv("KMS_KEY_ID"); v != "" {
		cfg.Secrets.KMSKeyID = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		cfg.Notifications.SlackToken = v
	}
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		cfg.Notifications.SlackChannel = v
	}
	if v := os.Getenv("CONSOLE_URL"); v != "" {
		cfg.Notifications.ConsoleURL = v
	}
}

func validate(cfg *Config) error {
	v := NewValidator(cfg)
	return v.ValidateAll()
}
