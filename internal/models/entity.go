// Package models provides data model definitions for the offline sync engine.
package models

import (
	"encoding/json"
	"time"
)

// SyncStatus is the position of an entity in the sync state machine.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSyncing  SyncStatus = "syncing"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusFailed   SyncStatus = "failed"
)

// AllSyncStatuses lists every status in state machine order.
var AllSyncStatuses = []SyncStatus{
	SyncStatusPending,
	SyncStatusSyncing,
	SyncStatusSynced,
	SyncStatusConflict,
	SyncStatusFailed,
}

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	for _, known := range AllSyncStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Priority is a caller-assigned urgency tier used to order sync attempts.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the sort weight of the priority. Higher ranks sync first.
// Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// PriorityFromRank maps a stored rank back to its Priority.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 0:
		return PriorityLow
	case 2:
		return PriorityHigh
	case 3:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// MetaRemoteVersion is the entity metadata key holding the last remote
// revision that acknowledged the entity.
const MetaRemoteVersion = "sync.remote_version"

// Entity is a unit of offline-capable state.
// Timestamps are unix milliseconds.
type Entity struct {
	ID             string            `db:"id" json:"id"`
	EntityType     string            `db:"entity_type" json:"entity_type"`
	Data           json.RawMessage   `db:"data" json:"data"`
	CreatedAt      int64             `db:"created_at" json:"created_at"`
	LastModifiedAt int64             `db:"last_modified_at" json:"last_modified_at"`
	SyncStatus     SyncStatus        `db:"sync_status" json:"sync_status"`
	RetryCount     int               `db:"retry_count" json:"retry_count"`
	Priority       Priority          `db:"priority_rank" json:"priority"`
	DeviceID       string            `db:"device_id" json:"device_id"`
	UserID         string            `db:"user_id" json:"user_id,omitempty"`
	Metadata       map[string]string `db:"metadata" json:"metadata,omitempty"`

	// Version is bumped on every local save. Sync outcomes are only applied
	// when the version they were computed against is still current.
	Version     int    `db:"version" json:"version"`
	NextRetryAt int64  `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError   string `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for Entity.
func (Entity) TableName() string {
	return "entities"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (e *Entity) CreatedAtTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// LastModifiedAtTime returns the LastModifiedAt as time.Time.
func (e *Entity) LastModifiedAtTime() time.Time {
	return time.UnixMilli(e.LastModifiedAt)
}

// Touch records a local mutation: the modification time never moves
// backwards, the version is bumped and the entity is queued again.
func (e *Entity) Touch(now int64) {
	if now > e.LastModifiedAt {
		e.LastModifiedAt = now
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = e.LastModifiedAt
	}
	e.Version++
	e.SyncStatus = SyncStatusPending
	e.RetryCount = 0
	e.NextRetryAt = 0
	e.LastError = ""
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// NowMs returns the current unix milliseconds timestamp.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
