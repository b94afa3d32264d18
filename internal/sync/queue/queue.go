// Package queue is the prioritized view of entities awaiting sync.
//
// The queue holds no entity copies: it is a read-only projection of the
// store's pending index ordered by (priority desc, lastModifiedAt asc,
// id asc). Entities waiting out a retry delay are not eligible.
package queue

import (
	"context"
	"time"

	"github.com/kimhsiao/offlinesync/internal/db"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Store is the part of the entity store the queue reads.
type Store interface {
	ListPending(ctx context.Context, q db.PendingQuery) ([]*models.Entity, error)
	PendingIDs(ctx context.Context, q db.PendingQuery) ([]string, error)
	CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error)
}

// SyncQueue manages the order in which pending entities are synced.
type SyncQueue struct {
	store Store
	now   func() time.Time
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithClock overrides the time source used for retry eligibility.
func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) { q.now = now }
}

// NewSyncQueue creates a new SyncQueue over store.
func NewSyncQueue(store Store, opts ...Option) *SyncQueue {
	q := &SyncQueue{store: store, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// DequeueBatch returns the top n eligible entities without changing their
// state.
func (q *SyncQueue) DequeueBatch(ctx context.Context, n int) ([]*models.Entity, error) {
	return q.NextBatch(ctx, n, nil)
}

// NextBatch is DequeueBatch skipping ids already attempted in the current
// cycle.
func (q *SyncQueue) NextBatch(ctx context.Context, n int, attempted map[string]bool) ([]*models.Entity, error) {
	if n <= 0 {
		return nil, nil
	}
	return q.store.ListPending(ctx, db.PendingQuery{
		Limit:   n,
		Now:     q.now().UnixMilli(),
		Exclude: keys(attempted),
	})
}

// PendingIDs returns up to n eligible ids in sync order. n <= 0 returns
// all of them.
func (q *SyncQueue) PendingIDs(ctx context.Context, n int) ([]string, error) {
	return q.store.PendingIDs(ctx, db.PendingQuery{Limit: n, Now: q.now().UnixMilli()})
}

// Len returns the number of pending entities, including those waiting out
// a retry delay.
func (q *SyncQueue) Len(ctx context.Context) (int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[models.SyncStatusPending], nil
}

// GetStats returns the number of entities per sync status.
func (q *SyncQueue) GetStats(ctx context.Context) (map[string]int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int, len(counts)+1)
	total := 0
	for status, n := range counts {
		stats[string(status)] = n
		total += n
	}
	stats["total"] = total
	return stats, nil
}

func keys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
