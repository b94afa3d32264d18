package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
)

type object struct {
	body     []byte
	etag     string
	metadata map[string]string
}

// memAPI is an in-memory bucket.
type memAPI struct {
	mu      sync.Mutex
	objects map[string]*object
	puts    int
	headErr error
}

func newMemAPI() *memAPI {
	return &memAPI{objects: make(map[string]*object)}
}

func (m *memAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return nil, m.headErr
	}
	o, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ETag: aws.String(`"` + o.etag + `"`), Metadata: o.metadata}, nil
}

func (m *memAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(o.body)),
		ETag: aws.String(`"` + o.etag + `"`),
	}, nil
}

func (m *memAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	etag := fmt.Sprintf("etag-%d", m.puts)
	m.objects[aws.ToString(in.Key)] = &object{body: body, etag: etag, metadata: in.Metadata}
	return &s3.PutObjectOutput{ETag: aws.String(`"` + etag + `"`)}, nil
}

func newTestClient(t *testing.T, api API, device string) *ObjectStoreClient {
	t.Helper()
	c, err := NewWithAPI(api, Config{Bucket: "sync", Prefix: "/entities/", DeviceID: device})
	require.NoError(t, err)
	return c
}

func testEntity(version int) *models.Entity {
	return &models.Entity{
		ID:         "e1",
		EntityType: "note",
		Data:       json.RawMessage(`{"title":"mine"}`),
		DeviceID:   "device-a",
		Version:    version,
	}
}

func TestObjectStoreClient_Key(t *testing.T) {
	c := newTestClient(t, newMemAPI(), "device-a")
	assert.Equal(t, "entities/note/e1.json", c.Key("note", "e1"))
}

func TestObjectStoreClient_writeAndReplay(t *testing.T) {
	api := newMemAPI()
	c := newTestClient(t, api, "device-a")
	ctx := context.Background()

	res, err := c.Upsert(ctx, testEntity(1))
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeAck, res.Outcome)
	assert.Equal(t, "etag-1", res.RemoteVersion)
	assert.Positive(t, res.BytesSent)

	obj := api.objects["entities/note/e1.json"]
	require.NotNil(t, obj)
	assert.Equal(t, "device-a", obj.metadata[metaDeviceID])
	assert.Equal(t, "1", obj.metadata[metaVersion])

	// replaying the same version does not rewrite the object
	res, err = c.Upsert(ctx, testEntity(1))
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeAck, res.Outcome)
	assert.Equal(t, "etag-1", res.RemoteVersion)
	assert.Equal(t, 1, api.puts)

	// a newer local version overwrites
	res, err = c.Upsert(ctx, testEntity(2))
	require.NoError(t, err)
	assert.Equal(t, "etag-2", res.RemoteVersion)
}

func TestObjectStoreClient_concurrentEdit(t *testing.T) {
	api := newMemAPI()
	ctx := context.Background()

	other := newTestClient(t, api, "device-b")
	theirs := testEntity(1)
	theirs.Data = json.RawMessage(`{"title":"theirs"}`)
	_, err := other.Upsert(ctx, theirs)
	require.NoError(t, err)

	c := newTestClient(t, api, "device-a")
	res, err := c.Upsert(ctx, testEntity(1))
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeConflict, res.Outcome)
	assert.Equal(t, models.ConflictTypeConcurrentEdit, res.ConflictType)
	assert.JSONEq(t, `{"title":"theirs"}`, string(res.RemotePayload))
	assert.Equal(t, "etag-1", res.RemoteVersion)

	// pushing on top of the seen revision wins
	e := testEntity(2)
	e.Metadata = map[string]string{models.MetaRemoteVersion: res.RemoteVersion}
	res, err = c.Upsert(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, remote.OutcomeAck, res.Outcome)
}

func TestObjectStoreClient_headFailureIsNetworkError(t *testing.T) {
	api := newMemAPI()
	api.headErr = fmt.Errorf("connection reset")
	c := newTestClient(t, api, "device-a")

	_, err := c.Upsert(context.Background(), testEntity(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

func TestConfig_Normalize(t *testing.T) {
	tests := []struct {
		name      string
		in        Config
		wantErr   bool
		endpoint  string
		region    string
		pathStyle bool
	}{
		{"aws defaults", Config{Bucket: "b"}, false, "", "us-east-1", false},
		{"aws region", Config{Bucket: "b", Region: "eu-west-1"}, false, "", "eu-west-1", false},
		{"r2 account", Config{Provider: ProviderR2, Bucket: "b", AccountID: "0123456789abcdef0123456789abcdef"},
			false, "https://0123456789abcdef0123456789abcdef.r2.cloudflarestorage.com", "auto", false},
		{"r2 bad account", Config{Provider: ProviderR2, Bucket: "b", AccountID: "xyz"}, true, "", "", false},
		{"minio", Config{Provider: ProviderMinIO, Bucket: "b", Endpoint: "localhost:9000/"},
			false, "http://localhost:9000", "us-east-1", true},
		{"minio without endpoint", Config{Provider: ProviderMinIO, Bucket: "b"}, true, "", "", false},
		{"missing bucket", Config{}, true, "", "", false},
		{"unknown provider", Config{Provider: "gcs", Bucket: "b"}, true, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, got.Endpoint)
			assert.Equal(t, tt.region, got.Region)
			assert.Equal(t, tt.pathStyle, got.UsePathStyle)
		})
	}
}

func TestIsValidR2AccountID(t *testing.T) {
	assert.True(t, IsValidR2AccountID("0123456789abcdefABCDEF0123456789"))
	assert.False(t, IsValidR2AccountID("0123456789abcdef"))
	assert.False(t, IsValidR2AccountID("0123456789abcdefg123456789abcdef"))
}
