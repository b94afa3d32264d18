package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/remote/httpserver"
)

const testSecret = "test-secret"

func newEntity(id, device string, version int) *models.Entity {
	return &models.Entity{
		ID:             id,
		EntityType:     "note",
		Data:           json.RawMessage(`{"title":"hello"}`),
		LastModifiedAt: 100,
		Priority:       models.PriorityHigh,
		DeviceID:       device,
		Version:        version,
		SyncStatus:     models.SyncStatusSyncing,
	}
}

func newClient(t *testing.T, baseURL, device string) *remote.HTTPClient {
	t.Helper()
	c, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:   baseURL,
		DeviceID:  device,
		JWTSecret: testSecret,
		Issuer:    "offlinesync-test",
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewHTTPClient_requiresBaseURL(t *testing.T) {
	_, err := remote.NewHTTPClient(remote.HTTPConfig{})
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestHTTPClient_ackAndIdempotentReplay(t *testing.T) {
	srv := httpserver.New(testSecret)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	client := newClient(t, ts.URL, "device-a")
	ctx := context.Background()

	res, err := client.Upsert(ctx, newEntity("e1", "device-a", 1))
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeAck, res.Outcome)
	assert.Equal(t, "1", res.RemoteVersion)
	assert.Positive(t, res.BytesSent)

	// same (id, version) again is acknowledged without a new revision
	res, err = client.Upsert(ctx, newEntity("e1", "device-a", 1))
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeAck, res.Outcome)
	assert.Equal(t, "1", res.RemoteVersion)

	rec, ok := srv.Record("e1")
	require.True(t, ok)
	assert.Equal(t, "device-a", rec.DeviceID)
	assert.JSONEq(t, `{"title":"hello"}`, string(rec.Data))
	assert.Equal(t, 2, srv.Pushes())
}

func TestHTTPClient_concurrentEditConflict(t *testing.T) {
	srv := httpserver.New(testSecret)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	srv.Put("e1", "device-b", json.RawMessage(`{"title":"theirs"}`))

	client := newClient(t, ts.URL, "device-a")
	e := newEntity("e1", "device-a", 1)

	res, err := client.Upsert(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeConflict, res.Outcome)
	assert.Equal(t, models.ConflictTypeConcurrentEdit, res.ConflictType)
	assert.JSONEq(t, `{"title":"theirs"}`, string(res.RemotePayload))
	assert.Equal(t, "1", res.RemoteVersion)

	// naming the remote revision as base is accepted
	e.Version = 2
	e.Metadata = map[string]string{models.MetaRemoteVersion: res.RemoteVersion}
	res, err = client.Upsert(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeAck, res.Outcome)
	assert.Equal(t, "2", res.RemoteVersion)
}

func TestHTTPClient_deletionConflict(t *testing.T) {
	srv := httpserver.New("")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	srv.Put("e1", "device-b", json.RawMessage(`{}`))
	srv.Tombstone("e1")

	c, err := remote.NewHTTPClient(remote.HTTPConfig{BaseURL: ts.URL, DeviceID: "device-a"})
	require.NoError(t, err)

	res, err := c.Upsert(context.Background(), newEntity("e1", "device-a", 1))
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeConflict, res.Outcome)
	assert.Equal(t, models.ConflictTypeDeletion, res.ConflictType)
}

func TestHTTPClient_sendsDeviceToken(t *testing.T) {
	var gotSub, gotDevice, gotCorrelation string
	var body remote.PushRequest

	r := chi.NewRouter()
	r.Post(remote.PushPath, func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		gotSub, _ = claims.GetSubject()
		gotDevice = r.Header.Get("X-Device-ID")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	e := newEntity("e1", "device-a", 3)
	e.Metadata = map[string]string{"source": "import", models.MetaRemoteVersion: "9"}

	res, err := newClient(t, ts.URL+"/", "device-a").Upsert(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeAck, res.Outcome)

	assert.Equal(t, "device-a", gotSub)
	assert.Equal(t, "device-a", gotDevice)
	assert.Len(t, gotCorrelation, 36)
	assert.Equal(t, 3, body.Version)
	assert.Equal(t, "9", body.BaseVersion)
	assert.Equal(t, map[string]string{"source": "import"}, body.Metadata)
	assert.Equal(t, models.PriorityHigh, body.Priority)
}

func TestHTTPClient_rejectsBadToken(t *testing.T) {
	srv := httpserver.New("another-secret")
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	_, err := newClient(t, ts.URL, "device-a").Upsert(context.Background(), newEntity("e1", "device-a", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
	assert.Contains(t, err.Error(), "401")
}

func TestHTTPClient_serverErrorIsNetworkError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := newClient(t, ts.URL, "device-a").Upsert(context.Background(), newEntity("e1", "device-a", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPClient_unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := newClient(t, url, "device-a").Upsert(context.Background(), newEntity("e1", "device-a", 1))
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}
