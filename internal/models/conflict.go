package models

import (
	"encoding/json"
	"time"
)

// ConflictType classifies a divergence reported by the remote side.
type ConflictType string

const (
	ConflictTypeVersion        ConflictType = "version"
	ConflictTypeDeletion       ConflictType = "deletion"
	ConflictTypeConcurrentEdit ConflictType = "concurrentEdit"
)

// Valid reports whether t is a known conflict type.
func (t ConflictType) Valid() bool {
	switch t {
	case ConflictTypeVersion, ConflictTypeDeletion, ConflictTypeConcurrentEdit:
		return true
	}
	return false
}

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
	StrategyManual Strategy = "manual"

	// StrategySuperseded is recorded on a conflict retired because a later
	// local edit was accepted by the remote. It is never chosen.
	StrategySuperseded Strategy = "superseded"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLocal, StrategyRemote, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Conflict records a detected divergence, keyed by the entity id.
// Resolved conflicts are retained for audit.
type Conflict struct {
	ID                 string          `db:"id" json:"id"`
	LocalPayload       json.RawMessage `db:"local_payload" json:"local_payload"`
	RemotePayload      json.RawMessage `db:"remote_payload" json:"remote_payload"`
	ConflictType       ConflictType    `db:"conflict_type" json:"conflict_type"`
	DetectedAt         int64           `db:"detected_at" json:"detected_at"`
	Resolved           bool            `db:"resolved" json:"resolved"`
	Strategy           Strategy        `db:"strategy" json:"strategy,omitempty"`
	ResolutionAttempts int             `db:"resolution_attempts" json:"resolution_attempts"`
	ResolvedAt         int64           `db:"resolved_at" json:"resolved_at,omitempty"`
	// RemoteVersion is the remote revision the conflict was detected
	// against. A resolution is pushed on top of it.
	RemoteVersion string `db:"remote_version" json:"remote_version,omitempty"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
