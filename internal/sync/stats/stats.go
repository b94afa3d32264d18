// Package stats keeps the persisted SyncStats aggregate up to date.
package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Store is the part of the entity store the tracker reads and writes.
type Store interface {
	CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error)
	CountUnresolvedConflicts(ctx context.Context) (int, error)
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	PutMetadata(ctx context.Context, key, value string) error
}

// Tracker recomputes counts from the store and persists the result as a
// singleton under models.SyncStatsKey.
type Tracker struct {
	store Store

	mu    sync.RWMutex
	stats models.SyncStats
}

// New creates a Tracker, loading the persisted record so that cycle
// history survives restarts, and recounts the store.
func New(ctx context.Context, store Store) (*Tracker, error) {
	t := &Tracker{store: store}

	raw, ok, err := store.GetMetadata(ctx, models.SyncStatsKey)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &t.stats); err != nil {
			return nil, errors.Decode("decode persisted sync stats", err)
		}
	}

	if _, err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Snapshot returns a copy of the current stats.
func (t *Tracker) Snapshot() models.SyncStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// Refresh recounts the store and persists the result.
func (t *Tracker) Refresh(ctx context.Context) (models.SyncStats, error) {
	return t.update(ctx, nil)
}

// RecordCycle stamps a finished sync cycle, adds its transferred bytes and
// refreshes the counts.
func (t *Tracker) RecordCycle(ctx context.Context, finished time.Time, duration time.Duration, bytes int64) (models.SyncStats, error) {
	return t.update(ctx, func(s *models.SyncStats) {
		s.LastSyncAt = finished.UnixMilli()
		s.LastSyncDuration = duration
		s.BytesTransferred += bytes
	})
}

func (t *Tracker) update(ctx context.Context, mutate func(*models.SyncStats)) (models.SyncStats, error) {
	counts, err := t.store.CountByStatus(ctx)
	if err != nil {
		return t.Snapshot(), err
	}
	unresolved, err := t.store.CountUnresolvedConflicts(ctx)
	if err != nil {
		return t.Snapshot(), err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.stats
	next.Pending = counts[models.SyncStatusPending]
	next.Syncing = counts[models.SyncStatusSyncing]
	next.Synced = counts[models.SyncStatusSynced]
	next.Failed = counts[models.SyncStatusFailed]
	next.Conflicted = counts[models.SyncStatusConflict]
	next.Total = next.Pending + next.Syncing + next.Synced + next.Failed + next.Conflicted
	next.UnresolvedConflicts = unresolved
	if mutate != nil {
		mutate(&next)
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return t.stats, errors.Wrap(errors.ErrInternal, "encode sync stats", err)
	}
	if err := t.store.PutMetadata(ctx, models.SyncStatsKey, string(raw)); err != nil {
		return t.stats, err
	}

	t.stats = next
	return next, nil
}
