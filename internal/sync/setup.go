package sync

import (
	"context"
	"encoding/hex"
	"os"

	"github.com/kimhsiao/offlinesync/internal/codec"
	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/crypto"
	"github.com/kimhsiao/offlinesync/internal/db"
	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/network"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/remote/s3"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Metadata keys owned by the bootstrap.
const (
	CodecSaltKey = "codec_salt"
	DeviceIDKey  = "device_id"
)

// MetadataStore reads and writes metadata values.
type MetadataStore interface {
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	PutMetadata(ctx context.Context, key, value string) error
}

// OpenStore opens and migrates the database under cfg.DataDir and builds
// the entity store with the configured codec. It also fills in
// cfg.DeviceID when it is empty. The caller closes the returned DB.
func OpenStore(ctx context.Context, cfg *config.Config) (*db.EntityStore, *db.DB, error) {
	database, err := db.OpenMigrated(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, nil, errors.Storage("open database", err)
	}

	if err := ResolveDeviceID(ctx, cfg, database); err != nil {
		database.Close()
		return nil, nil, err
	}

	pipeline, err := NewPipeline(ctx, cfg, database)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return db.NewEntityStore(database, pipeline, cfg.MaxOfflineItems), database, nil
}

// ResolveDeviceID sets cfg.DeviceID from the metadata table, deriving and
// persisting one on first use.
func ResolveDeviceID(ctx context.Context, cfg *config.Config, meta MetadataStore) error {
	if cfg.DeviceID != "" {
		return nil
	}
	id, ok, err := meta.GetMetadata(ctx, DeviceIDKey)
	if err != nil {
		return err
	}
	if !ok {
		host, _ := os.Hostname()
		id = uuid.DeviceID("", host)
		if err := meta.PutMetadata(ctx, DeviceIDKey, id); err != nil {
			return err
		}
		logging.Info("Device id assigned", map[string]interface{}{"device_id": id})
	}
	cfg.DeviceID = id
	return nil
}

// NewPipeline builds the codec selected by cfg. With a passphrase the PBKDF2
// salt is created on first use and kept in the metadata table so the key
// can be derived again.
func NewPipeline(ctx context.Context, cfg *config.Config, meta MetadataStore) (*codec.Pipeline, error) {
	opts := []codec.Option{codec.WithCompression(cfg.CompressionEnabled)}
	if !cfg.EncryptionEnabled {
		return codec.New(opts...), nil
	}

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		key, err := crypto.ParseHexKey(cfg.EncryptionKey)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "encryption_key", err)
		}
		if enc, err = crypto.NewWithKey(key); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "encryption_key", err)
		}
	} else {
		salt, err := loadSalt(ctx, meta)
		if err != nil {
			return nil, err
		}
		if enc, err = crypto.NewWithPassphrase(cfg.EncryptionPassphrase, salt); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "encryption_passphrase", err)
		}
	}
	return codec.New(append(opts, codec.WithEncryption(enc))...), nil
}

func loadSalt(ctx context.Context, meta MetadataStore) ([]byte, error) {
	raw, ok, err := meta.GetMetadata(ctx, CodecSaltKey)
	if err != nil {
		return nil, err
	}
	if ok {
		salt, err := hex.DecodeString(raw)
		if err != nil {
			return nil, errors.Decode("codec salt", err)
		}
		return salt, nil
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "generate codec salt", err)
	}
	if err := meta.PutMetadata(ctx, CodecSaltKey, hex.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

// NewRemote builds the remote client selected by cfg.Remote. It returns nil
// for the "none" kind.
func NewRemote(ctx context.Context, cfg *config.Config) (remote.Client, error) {
	rc := cfg.Remote
	switch rc.Kind {
	case "", config.RemoteNone:
		return nil, nil
	case config.RemoteHTTP:
		c, err := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:   rc.BaseURL,
			DeviceID:  cfg.DeviceID,
			JWTSecret: rc.JWTSecret,
			Issuer:    rc.JWTIssuer,
			TokenTTL:  rc.TokenTTL,
			Timeout:   rc.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.RemoteS3:
		c, err := s3.New(ctx, s3.Config{
			Provider:        s3.Provider(rc.Provider),
			Bucket:          rc.Bucket,
			Prefix:          rc.Prefix,
			Region:          rc.Region,
			Endpoint:        rc.Endpoint,
			AccountID:       rc.AccountID,
			AccessKeyID:     rc.AccessKeyID,
			SecretAccessKey: rc.SecretKey,
			UsePathStyle:    rc.ForcePathStyle,
			DeviceID:        cfg.DeviceID,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Config("unknown remote kind " + rc.Kind)
	}
}

// NewMonitor returns a Prober when cfg.ProbeURL is set, otherwise a Manual
// monitor that reports the device online.
func NewMonitor(cfg *config.Config) network.Monitor {
	class := cfg.ConnectionClass
	if class == "" {
		class = network.ClassOther
	}
	if cfg.ProbeURL == "" {
		return network.NewManual(network.Status{Connected: true, Class: class})
	}
	pc := network.DefaultProberConfig(cfg.ProbeURL)
	pc.Class = class
	if cfg.ProbeInterval > 0 {
		pc.Interval = cfg.ProbeInterval
	}
	return network.NewProber(pc)
}
