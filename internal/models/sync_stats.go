package models

import "time"

// SyncStatsKey is the metadata key of the persisted SyncStats singleton.
const SyncStatsKey = "sync_stats"

// SyncStats is the derived aggregate of the store's sync state.
type SyncStats struct {
	Total               int           `json:"total"`
	Pending             int           `json:"pending"`
	Syncing             int           `json:"syncing"`
	Synced              int           `json:"synced"`
	Failed              int           `json:"failed"`
	Conflicted          int           `json:"conflicted"`
	UnresolvedConflicts int           `json:"unresolved_conflicts"`
	LastSyncAt          int64         `json:"last_sync_at,omitempty"`
	LastSyncDuration    time.Duration `json:"last_sync_duration,omitempty"`
	BytesTransferred    int64         `json:"bytes_transferred"`
}

// LastSyncTime returns LastSyncAt as time.Time, or nil if no cycle has run.
func (s SyncStats) LastSyncTime() *time.Time {
	if s.LastSyncAt == 0 {
		return nil
	}
	t := time.UnixMilli(s.LastSyncAt)
	return &t
}
