package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/network"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLINESYNC_"

var (
	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = stderrors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file is not valid YAML
	ErrInvalidConfigFormat = stderrors.New("invalid configuration file format")
)

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path skips the file.
// Validation is deferred so callers can apply flag overrides first.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile decodes path into cfg, keeping defaults for absent keys.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies OFFLINESYNC_* variables.
func applyEnvironmentOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var firstErr error
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if v, ok := env(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = d
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := env(name); ok {
			*dst = v == "true" || v == "1"
		}
	}
	setString := func(name string, dst *string) {
		if v, ok := env(name); ok {
			*dst = v
		}
	}

	setString("DATA_DIR", &cfg.DataDir)
	setString("DEVICE_ID", &cfg.DeviceID)
	setInt("MAX_RETRIES", &cfg.MaxRetries)
	setDuration("RETRY_DELAY", &cfg.RetryDelay)
	if v, ok := env("SYNC_INTERVAL_MS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err != nil {
			fail("SYNC_INTERVAL_MS", err)
		} else {
			cfg.SyncIntervalMs = n
		}
	}
	setInt("MAX_OFFLINE_ITEMS", &cfg.MaxOfflineItems)
	setBool("COMPRESSION_ENABLED", &cfg.CompressionEnabled)
	setBool("ENCRYPTION_ENABLED", &cfg.EncryptionEnabled)
	setString("ENCRYPTION_KEY", &cfg.EncryptionKey)
	setString("ENCRYPTION_PASSPHRASE", &cfg.EncryptionPassphrase)
	if v, ok := env("CONFLICT_RESOLUTION_STRATEGY"); ok {
		cfg.ConflictResolutionStrategy = models.Strategy(strings.ToLower(v))
	}
	if v, ok := env("NETWORK_THRESHOLD"); ok {
		cfg.NetworkThreshold = network.Threshold(strings.ToLower(v))
	}
	setInt("BATCH_SIZE", &cfg.BatchSize)
	setInt("MAX_CONCURRENCY", &cfg.MaxConcurrency)
	setInt("MAX_AUTO_RESOLUTIONS", &cfg.MaxAutoResolutions)
	if v, ok := env("MANUAL_CONFLICT_TYPES"); ok {
		cfg.ManualConflictTypes = splitList(v)
	}
	setDuration("RETENTION_PERIOD", &cfg.RetentionPeriod)
	setDuration("RECONNECT_DEBOUNCE", &cfg.ReconnectDebounce)
	setString("PROBE_URL", &cfg.ProbeURL)
	setDuration("PROBE_INTERVAL", &cfg.ProbeInterval)
	if v, ok := env("CONNECTION_CLASS"); ok {
		cfg.ConnectionClass = network.ConnectionClass(strings.ToLower(v))
	}
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("LOG_FILE", &cfg.LogFile)

	setString("REMOTE_KIND", &cfg.Remote.Kind)
	setString("REMOTE_BASE_URL", &cfg.Remote.BaseURL)
	setString("REMOTE_JWT_SECRET", &cfg.Remote.JWTSecret)
	setString("REMOTE_PROVIDER", &cfg.Remote.Provider)
	setString("REMOTE_ACCOUNT_ID", &cfg.Remote.AccountID)
	setString("REMOTE_BUCKET", &cfg.Remote.Bucket)
	setString("REMOTE_REGION", &cfg.Remote.Region)
	setString("REMOTE_ENDPOINT", &cfg.Remote.Endpoint)

	return firstErr
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
