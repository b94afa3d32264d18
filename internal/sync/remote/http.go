package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

const (
	// PushPath is the upsert endpoint relative to the base URL.
	PushPath = "/v1/sync/entities/push"

	// DefaultAudience is the audience claim of device tokens.
	DefaultAudience = "offlinesync"

	headerDeviceID      = "X-Device-ID"
	headerCorrelationID = "X-Correlation-ID"

	maxResponseBytes = 4 << 20
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL   string
	DeviceID  string
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
	Timeout   time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPClient pushes entities to a sync server over HTTP. Requests are
// authenticated with a short lived HS256 device token.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewHTTPClient creates a client for cfg.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.Config("remote base url is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPClient{cfg: cfg, client: client}, nil
}

// Upsert sends e to the server.
func (c *HTTPClient) Upsert(ctx context.Context, e *models.Entity) (Result, error) {
	body, err := json.Marshal(NewPushRequest(e))
	if err != nil {
		return Result{}, errors.Wrap(errors.ErrInvalid, "encode push request", err)
	}

	correlationID := uuid.New().String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+PushPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Network("build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerCorrelationID, correlationID)
	req.Header.Set(headerDeviceID, c.cfg.DeviceID)
	if c.cfg.JWTSecret != "" {
		token, err := c.bearer(time.Now())
		if err != nil {
			return Result{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, errors.Network("push "+e.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, errors.Network("read push response", err)
	}

	logging.Debug("remote push", map[string]interface{}{
		"entity_id":      e.ID,
		"status":         resp.StatusCode,
		"duration_ms":    time.Since(start).Milliseconds(),
		"correlation_id": correlationID,
	})

	result := Result{BytesSent: int64(len(body))}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var ack PushResponse
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ack); err != nil {
				return Result{}, errors.Network("decode push response", err)
			}
		}
		result.Outcome = OutcomeAck
		result.RemoteVersion = ack.RemoteVersion
		return result, nil

	case http.StatusConflict:
		var cr ConflictResponse
		if err := json.Unmarshal(raw, &cr); err != nil {
			return Result{}, errors.Network("decode conflict response", err)
		}
		if !cr.ConflictType.Valid() {
			cr.ConflictType = models.ConflictTypeVersion
		}
		result.Outcome = OutcomeConflict
		result.ConflictType = cr.ConflictType
		result.RemotePayload = cr.Remote
		result.RemoteVersion = cr.RemoteVersion
		return result, nil

	default:
		return Result{}, errors.Network(
			fmt.Sprintf("push %s: unexpected status %d", e.ID, resp.StatusCode),
			fmt.Errorf("%s", bytes.TrimSpace(raw)))
	}
}

// bearer returns a cached device token, signing a new one when the cached
// token is within a minute of expiry.
func (c *HTTPClient) bearer(now time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && now.Add(time.Minute).Before(c.tokenExp) {
		return c.token, nil
	}

	exp := now.Add(c.cfg.TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.cfg.DeviceID,
		"iss": c.cfg.Issuer,
		"aud": DefaultAudience,
		"iat": now.Unix(),
		"nbf": now.Add(-30 * time.Second).Unix(),
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte(c.cfg.JWTSecret))
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "sign device token", err)
	}

	c.token = signed
	c.tokenExp = exp
	return signed, nil
}
