// Package s3 pushes entities to an S3 compatible object store. Each entity
// is one JSON object; its ETag serves as the remote revision.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
)

// Object metadata keys. S3 lower-cases user metadata keys.
const (
	metaDeviceID = "device-id"
	metaVersion  = "entity-version"
)

// API is the subset of the S3 client used here.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ObjectStoreClient implements remote.Client on an object store.
//
// An existing object written by another device is a concurrent edit unless
// its ETag equals the base revision the entity was last acknowledged with.
// Objects written by this device are overwritten, except that a push whose
// version is not newer than the stored one is acknowledged as a replay.
type ObjectStoreClient struct {
	api API
	cfg Config
}

// New builds a client from cfg using the default AWS credential chain, or
// the static keys in cfg when both are set.
func New(ctx context.Context, cfg Config) (*ObjectStoreClient, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "s3 remote", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &ObjectStoreClient{api: client, cfg: cfg}, nil
}

// NewWithAPI builds a client on an existing API implementation.
func NewWithAPI(api API, cfg Config) (*ObjectStoreClient, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "s3 remote", err)
	}
	return &ObjectStoreClient{api: api, cfg: cfg}, nil
}

// Key returns the object key of an entity.
func (c *ObjectStoreClient) Key(entityType, id string) string {
	return path.Join(c.cfg.Prefix, entityType, id+".json")
}

// Upsert writes e as an object.
func (c *ObjectStoreClient) Upsert(ctx context.Context, e *models.Entity) (remote.Result, error) {
	key := c.Key(e.EntityType, e.ID)
	base := e.Metadata[models.MetaRemoteVersion]

	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		etag := trimETag(aws.ToString(head.ETag))
		writer := head.Metadata[metaDeviceID]
		if writer != c.cfg.DeviceID && etag != base {
			return c.conflict(ctx, key, etag)
		}
		if writer == c.cfg.DeviceID {
			if v, _ := strconv.Atoi(head.Metadata[metaVersion]); v >= e.Version {
				return remote.Result{Outcome: remote.OutcomeAck, RemoteVersion: etag}, nil
			}
		}
	case isNotFound(err):
	default:
		return remote.Result{}, errors.Network("head "+key, err)
	}

	body, err := json.Marshal(remote.NewPushRequest(e))
	if err != nil {
		return remote.Result{}, errors.Wrap(errors.ErrInvalid, "encode object", err)
	}

	out, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			metaDeviceID: c.cfg.DeviceID,
			metaVersion:  strconv.Itoa(e.Version),
		},
	})
	if err != nil {
		return remote.Result{}, errors.Network("put "+key, err)
	}

	logging.Debug("object written", map[string]interface{}{
		"key":   key,
		"bytes": len(body),
	})
	return remote.Result{
		Outcome:       remote.OutcomeAck,
		RemoteVersion: trimETag(aws.ToString(out.ETag)),
		BytesSent:     int64(len(body)),
	}, nil
}

// conflict reads the divergent object and reports it.
func (c *ObjectStoreClient) conflict(ctx context.Context, key, etag string) (remote.Result, error) {
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return remote.Result{}, errors.Network("get "+key, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return remote.Result{}, errors.Network("read "+key, err)
	}

	var stored remote.PushRequest
	if err := json.Unmarshal(raw, &stored); err != nil {
		return remote.Result{}, errors.Network("decode "+key, fmt.Errorf("malformed object: %w", err))
	}

	if r := resp.ETag; r != nil {
		etag = trimETag(*r)
	}
	return remote.Result{
		Outcome:       remote.OutcomeConflict,
		ConflictType:  models.ConflictTypeConcurrentEdit,
		RemotePayload: stored.Data,
		RemoteVersion: etag,
	}, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if stderrors.As(err, &nsk) || stderrors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
