package sync

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/network"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
)

func TestOpenStore_PassphraseSaltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.EncryptionEnabled = true
	cfg.EncryptionPassphrase = "correct horse battery staple"

	store, database, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.DeviceID)
	deviceID := cfg.DeviceID

	require.NoError(t, store.Put(ctx, &models.Entity{
		ID: "a", EntityType: "note", Data: []byte(`{"secret":1}`), Priority: models.PriorityLow, Version: 1,
	}))
	salt, ok, err := database.GetMetadata(ctx, CodecSaltKey)
	require.NoError(t, err)
	require.True(t, ok)
	raw, err := hex.DecodeString(salt)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
	require.NoError(t, database.Close())

	cfg.DeviceID = ""
	store, database, err = OpenStore(ctx, cfg)
	require.NoError(t, err)
	defer database.Close()

	assert.Equal(t, deviceID, cfg.DeviceID)
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"secret":1}`, string(got.Data))
}

func TestOpenStore_WrongPassphraseFailsToDecode(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.EncryptionEnabled = true
	cfg.EncryptionPassphrase = "first"

	store, database, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, &models.Entity{
		ID: "a", EntityType: "note", Data: []byte(`{}`), Priority: models.PriorityLow, Version: 1,
	}))
	require.NoError(t, database.Close())

	cfg.EncryptionPassphrase = "second"
	store, database, err = OpenStore(ctx, cfg)
	require.NoError(t, err)
	defer database.Close()

	_, err = store.Get(ctx, "a")
	assert.True(t, errors.Is(err, errors.ErrDecode))
}

func TestNewPipeline_InvalidHexKey(t *testing.T) {
	cfg := config.Default()
	cfg.EncryptionEnabled = true
	cfg.EncryptionKey = "zz"

	_, err := NewPipeline(context.Background(), cfg, nil)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestNewRemote(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	rc, err := NewRemote(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, rc)

	cfg.Remote.Kind = config.RemoteHTTP
	cfg.Remote.BaseURL = "http://127.0.0.1:1"
	rc, err = NewRemote(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &remote.HTTPClient{}, rc)

	cfg.Remote.BaseURL = ""
	_, err = NewRemote(ctx, cfg)
	assert.True(t, errors.Is(err, errors.ErrConfig))

	cfg.Remote.Kind = "ftp"
	_, err = NewRemote(ctx, cfg)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestNewMonitor(t *testing.T) {
	cfg := config.Default()
	cfg.ConnectionClass = network.ClassWiFi

	m := NewMonitor(cfg)
	assert.IsType(t, &network.Manual{}, m)
	assert.Equal(t, network.Status{Connected: true, Class: network.ClassWiFi}, m.Status())

	cfg.ProbeURL = "http://127.0.0.1:1/healthz"
	assert.IsType(t, &network.Prober{}, NewMonitor(cfg))
}
