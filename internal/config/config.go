// Package config holds the runtime configuration of the sync engine.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/network"
)

// Remote kinds.
const (
	RemoteNone = "none"
	RemoteHTTP = "http"
	RemoteS3   = "s3"
)

// Object store providers.
const (
	ProviderAWS   = "aws"
	ProviderR2    = "r2"
	ProviderMinIO = "minio"
)

// Config is the sync engine configuration.
type Config struct {
	// DataDir holds the SQLite database and the optional log file.
	DataDir  string `yaml:"data_dir"`
	DeviceID string `yaml:"device_id"`

	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	SyncIntervalMs  int64         `yaml:"sync_interval_ms"`
	MaxOfflineItems int           `yaml:"max_offline_items"`

	CompressionEnabled bool `yaml:"compression_enabled"`
	EncryptionEnabled  bool `yaml:"encryption_enabled"`
	// EncryptionKey is a hex encoded 32-byte key. It takes precedence over
	// EncryptionPassphrase.
	EncryptionKey        string `yaml:"encryption_key"`
	EncryptionPassphrase string `yaml:"encryption_passphrase"`

	ConflictResolutionStrategy models.Strategy   `yaml:"conflict_resolution_strategy"`
	NetworkThreshold           network.Threshold `yaml:"network_threshold"`

	BatchSize           int      `yaml:"batch_size"`
	MaxConcurrency      int      `yaml:"max_concurrency"`
	MaxAutoResolutions  int      `yaml:"max_auto_resolutions"`
	ManualConflictTypes []string `yaml:"manual_conflict_types"`

	// RetentionPeriod is the age past which synced entities are purged.
	// Zero disables the sweep.
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	ReconnectDebounce time.Duration `yaml:"reconnect_debounce"`

	// ProbeURL, when set, is polled to detect connectivity. Without it the
	// device is assumed online.
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// ConnectionClass is the link type reported while connected.
	ConnectionClass network.ConnectionClass `yaml:"connection_class"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	Remote RemoteConfig `yaml:"remote"`
}

// RemoteConfig selects and configures the remote sync backend.
type RemoteConfig struct {
	Kind    string        `yaml:"kind"`
	Timeout time.Duration `yaml:"timeout"`

	// HTTP backend
	BaseURL   string        `yaml:"base_url"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTIssuer string        `yaml:"jwt_issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// S3 backend. Provider is one of aws, r2 or minio.
	Provider       string `yaml:"provider"`
	AccountID      string `yaml:"account_id"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKeyID    string `yaml:"access_key_id"`
	SecretKey      string `yaml:"secret_access_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:                    ".offlinesync",
		MaxRetries:                 3,
		RetryDelay:                 30 * time.Second,
		SyncIntervalMs:             30000,
		MaxOfflineItems:            10000,
		CompressionEnabled:         true,
		EncryptionEnabled:          false,
		ConflictResolutionStrategy: models.StrategyLocal,
		NetworkThreshold:           network.ThresholdAny,
		BatchSize:                  10,
		MaxAutoResolutions:         3,
		RetentionInterval:          time.Hour,
		ReconnectDebounce:          2 * time.Second,
		ProbeInterval:              15 * time.Second,
		ConnectionClass:            network.ClassOther,
		LogLevel:                   "info",
		Remote: RemoteConfig{
			Kind:     RemoteNone,
			Timeout:  15 * time.Second,
			TokenTTL: 5 * time.Minute,
			Prefix:   "entities",
			Provider: ProviderAWS,
		},
	}
}

// SyncInterval returns SyncIntervalMs as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}

// Concurrency returns the per-batch concurrency, defaulting to BatchSize.
func (c *Config) Concurrency() int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return c.BatchSize
}

// DatabasePath returns the SQLite file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "offlinesync.db")
}

// Validate checks the configuration and returns a CONFIG_ERROR describing
// the first invalid option.
func (c *Config) Validate() error {
	switch {
	case c.MaxRetries < 1:
		return errors.Config("max_retries must be at least 1")
	case c.RetryDelay < 0:
		return errors.Config("retry_delay must not be negative")
	case c.SyncIntervalMs <= 0:
		return errors.Config("sync_interval_ms must be positive")
	case c.MaxOfflineItems < 1:
		return errors.Config("max_offline_items must be at least 1")
	case c.BatchSize < 1:
		return errors.Config("batch_size must be at least 1")
	case c.MaxConcurrency < 0:
		return errors.Config("max_concurrency must not be negative")
	case c.MaxAutoResolutions < 1:
		return errors.Config("max_auto_resolutions must be at least 1")
	case c.RetentionPeriod < 0:
		return errors.Config("retention_period must not be negative")
	case c.ReconnectDebounce < 0:
		return errors.Config("reconnect_debounce must not be negative")
	}

	if !c.ConflictResolutionStrategy.Valid() {
		return errors.Config(fmt.Sprintf("conflict_resolution_strategy %q is not one of local, remote, merge, manual",
			c.ConflictResolutionStrategy))
	}
	if !c.NetworkThreshold.Valid() {
		return errors.Config(fmt.Sprintf("network_threshold %q is not one of any, wifi, good", c.NetworkThreshold))
	}
	if c.ConnectionClass != "" && !c.ConnectionClass.Valid() {
		return errors.Config(fmt.Sprintf("connection_class %q is not one of wifi, cellular, ethernet, other", c.ConnectionClass))
	}
	if c.EncryptionEnabled && c.EncryptionKey == "" && c.EncryptionPassphrase == "" {
		return errors.Config("encryption_enabled requires encryption_key or encryption_passphrase")
	}
	if c.EncryptionKey != "" && len(strings.TrimSpace(c.EncryptionKey)) != 64 {
		return errors.Config("encryption_key must be 64 hex characters")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.Config("data_dir is required")
	}

	return c.Remote.validate()
}

func (r *RemoteConfig) validate() error {
	switch r.Kind {
	case "", RemoteNone:
		return nil
	case RemoteHTTP:
		if r.BaseURL == "" {
			return errors.Config("remote.base_url is required for the http remote")
		}
	case RemoteS3:
		if r.Bucket == "" {
			return errors.Config("remote.bucket is required for the s3 remote")
		}
		switch r.Provider {
		case "", ProviderAWS:
		case ProviderR2:
			if r.AccountID == "" && r.Endpoint == "" {
				return errors.Config("remote.account_id or remote.endpoint is required for r2")
			}
		case ProviderMinIO:
			if r.Endpoint == "" {
				return errors.Config("remote.endpoint is required for minio")
			}
		default:
			return errors.Config(fmt.Sprintf("remote.provider %q is not one of aws, r2, minio", r.Provider))
		}
	default:
		return errors.Config(fmt.Sprintf("remote.kind %q is not one of none, http, s3", r.Kind))
	}
	if r.Timeout < 0 {
		return errors.Config("remote.timeout must not be negative")
	}
	return nil
}
