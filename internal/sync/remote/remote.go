// Package remote defines the boundary to the remote sync backend and its
// HTTP implementation.
package remote

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/offlinesync/internal/models"
)

// Outcome is the remote's answer to an upsert.
type Outcome string

const (
	// OutcomeAck means the remote accepted the entity.
	OutcomeAck Outcome = "ack"
	// OutcomeConflict means the remote holds a divergent version.
	OutcomeConflict Outcome = "conflict"
)

// Result is the answer to one upsert.
type Result struct {
	Outcome Outcome
	// RemotePayload and ConflictType are set for OutcomeConflict.
	RemotePayload json.RawMessage
	ConflictType  models.ConflictType
	// RemoteVersion identifies the accepted remote revision; it is sent
	// back as the base version of the next upsert.
	RemoteVersion string
	BytesSent     int64
}

// Client pushes entities to the remote backend. Upserts are idempotent by
// (entity id, version), so re-sending after an ambiguous failure is safe.
// Any returned error is treated as a network error and retried.
type Client interface {
	Upsert(ctx context.Context, e *models.Entity) (Result, error)
}

// PushRequest is the wire form of an upsert.
type PushRequest struct {
	ID             string            `json:"id"`
	EntityType     string            `json:"entity_type"`
	Data           json.RawMessage   `json:"data"`
	Version        int               `json:"version"`
	BaseVersion    string            `json:"base_version,omitempty"`
	LastModifiedAt int64             `json:"last_modified_at"`
	Priority       models.Priority   `json:"priority"`
	DeviceID       string            `json:"device_id"`
	UserID         string            `json:"user_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PushResponse is the body of a 200 answer.
type PushResponse struct {
	ID            string `json:"id"`
	RemoteVersion string `json:"remote_version"`
}

// ConflictResponse is the body of a 409 answer.
type ConflictResponse struct {
	ID            string              `json:"id"`
	ConflictType  models.ConflictType `json:"conflict_type"`
	Remote        json.RawMessage     `json:"remote"`
	RemoteVersion string              `json:"remote_version,omitempty"`
}

// NewPushRequest builds the wire form of e.
func NewPushRequest(e *models.Entity) PushRequest {
	var meta map[string]string
	for k, v := range e.Metadata {
		if k == models.MetaRemoteVersion {
			continue
		}
		if meta == nil {
			meta = make(map[string]string, len(e.Metadata))
		}
		meta[k] = v
	}
	return PushRequest{
		ID:             e.ID,
		EntityType:     e.EntityType,
		Data:           e.Data,
		Version:        e.Version,
		BaseVersion:    e.Metadata[models.MetaRemoteVersion],
		LastModifiedAt: e.LastModifiedAt,
		Priority:       e.Priority,
		DeviceID:       e.DeviceID,
		UserID:         e.UserID,
		Metadata:       meta,
	}
}
