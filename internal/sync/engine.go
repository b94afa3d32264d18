// Package sync runs the offline-first sync engine: local entity mutations,
// prioritized sync cycles against the remote backend, and conflict handling.
package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/db"
	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/network"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/events"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/stats"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// State is the engine's cycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateFailed  State = "failed"
)

// Deps are the collaborators of an Engine.
type Deps struct {
	Store *db.EntityStore
	// Remote receives pushes. Without one the engine works local-only and
	// RunSyncCycle fails with a CONFIG_ERROR.
	Remote remote.Client
	// Monitor gates sync cycles. Nil means always online.
	Monitor network.Monitor
	// Bus receives engine events. A new bus is created when nil.
	Bus *events.Bus
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Engine owns the local entity store and runs sync cycles against the
// remote backend. At most one cycle runs at a time; a trigger while a cycle
// is running returns the current stats without doing anything.
type Engine struct {
	cfg      *config.Config
	store    *db.EntityStore
	queue    *queue.SyncQueue
	remote   remote.Client
	monitor  network.Monitor
	resolver *conflict.Resolver
	bus      *events.Bus
	stats    *stats.Tracker
	now      func() time.Time

	inProgress atomic.Bool

	// writeMu serializes read-modify-write sequences on single entities.
	writeMu sync.Mutex

	mu       sync.RWMutex
	state    State
	lastSync *time.Time
	lastErr  error
}

// NewEngine creates an Engine. cfg must be valid.
func NewEngine(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New(errors.ErrInvalid, "engine requires a store")
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	tracker, err := stats.New(ctx, deps.Store)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		store:   deps.Store,
		queue:   queue.NewSyncQueue(deps.Store, queue.WithClock(deps.Clock)),
		remote:  deps.Remote,
		monitor: deps.Monitor,
		resolver: conflict.NewResolver(cfg.ConflictResolutionStrategy,
			conflict.WithMaxAutoResolutions(cfg.MaxAutoResolutions),
			conflict.WithManualTypes(cfg.ManualConflictTypes...)),
		bus:   deps.Bus,
		stats: tracker,
		now:   deps.Clock,
		state: StateIdle,
	}, nil
}

// Status returns the cycle state.
func (e *Engine) Status() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastSync returns the end of the last completed cycle, or nil.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the error of the last failed cycle.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// InProgress reports whether a cycle is running.
func (e *Engine) InProgress() bool {
	return e.inProgress.Load()
}

// PendingChanges returns the number of entities waiting to sync.
func (e *Engine) PendingChanges(ctx context.Context) (int, error) {
	return e.queue.Len(ctx)
}

// Queue returns the sync queue view.
func (e *Engine) Queue() *queue.SyncQueue {
	return e.queue
}

// Stats returns the last computed stats.
func (e *Engine) Stats() models.SyncStats {
	return e.stats.Snapshot()
}

// RefreshStats recounts the store.
func (e *Engine) RefreshStats(ctx context.Context) (models.SyncStats, error) {
	return e.stats.Refresh(ctx)
}

// Subscribe registers fn for the given event types, or all events.
// Listeners run synchronously on the engine's goroutines and must not call
// mutating Engine methods.
func (e *Engine) Subscribe(fn events.Listener, types ...events.Type) func() {
	return e.bus.Subscribe(fn, types...)
}

// =====================================================
// Local mutations
// =====================================================

// SaveEntity creates or replaces an entity. An empty id gets a new UUID.
// A re-save keeps CreatedAt, never moves LastModifiedAt backwards, bumps
// the version and queues the entity again with a fresh retry budget.
func (e *Engine) SaveEntity(ctx context.Context, in *models.Entity) (*models.Entity, error) {
	if in == nil {
		return nil, errors.New(errors.ErrInvalid, "entity is required")
	}
	ent := in.Clone()
	ent.ID = uuid.Ensure(strings.TrimSpace(ent.ID))
	if ent.EntityType == "" {
		return nil, errors.New(errors.ErrInvalid, "entity type is required")
	}
	if ent.Priority == "" {
		ent.Priority = models.PriorityMedium
	}
	if !ent.Priority.Valid() {
		return nil, errors.Newf(errors.ErrInvalid, "unknown priority %q", ent.Priority)
	}
	if len(ent.Data) == 0 {
		ent.Data = json.RawMessage("{}")
	}
	if !json.Valid(ent.Data) {
		return nil, errors.New(errors.ErrInvalid, "entity data is not valid JSON")
	}
	if ent.DeviceID == "" {
		ent.DeviceID = e.cfg.DeviceID
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	prev, err := e.store.Get(ctx, ent.ID)
	switch {
	case err == nil:
		ent.CreatedAt = prev.CreatedAt
		ent.Version = prev.Version
		if prev.LastModifiedAt > ent.LastModifiedAt {
			ent.LastModifiedAt = prev.LastModifiedAt
		}
		if rv, ok := prev.Metadata[models.MetaRemoteVersion]; ok {
			if ent.Metadata == nil {
				ent.Metadata = make(map[string]string, 1)
			}
			if _, set := ent.Metadata[models.MetaRemoteVersion]; !set {
				ent.Metadata[models.MetaRemoteVersion] = rv
			}
		}
	case errors.Is(err, errors.ErrNotFound):
		ent.CreatedAt = 0
		ent.Version = 0
	case errors.Is(err, errors.ErrDecode):
		// an unreadable row is replaced by the new content
		logging.Warn("Overwriting undecodable entity", map[string]interface{}{"entity_id": ent.ID})
	default:
		return nil, err
	}

	ent.Touch(e.now().UnixMilli())
	if err := e.store.Put(ctx, ent); err != nil {
		return nil, err
	}

	e.refreshStats(ctx)
	e.publish(events.Event{Type: events.EntitySaved, EntityID: ent.ID, Entity: ent.Clone()})
	return ent, nil
}

// GetEntity returns the entity with id.
func (e *Engine) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return e.store.Get(ctx, id)
}

// QueryByType lazily yields entities of entityType.
func (e *Engine) QueryByType(ctx context.Context, entityType string, limit int) iter.Seq2[*models.Entity, error] {
	return e.store.QueryByType(ctx, entityType, limit)
}

// DeleteEntity removes an entity locally. The deletion is not sent to the
// remote. Deleting a missing id is not an error.
func (e *Engine) DeleteEntity(ctx context.Context, id string) error {
	e.writeMu.Lock()
	existed, err := e.store.Delete(ctx, id)
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}

	e.refreshStats(ctx)
	e.publish(events.Event{Type: events.EntityDeleted, EntityID: id})
	return nil
}

// ResetFailed re-queues failed entities, all of them when no id is given.
func (e *Engine) ResetFailed(ctx context.Context, ids ...string) (int, error) {
	n, err := e.store.ResetFailed(ctx, ids...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Failed entities re-queued", map[string]interface{}{"count": n})
		e.refreshStats(ctx)
	}
	return n, nil
}

// PurgeSynced deletes synced entities last modified more than olderThan ago.
func (e *Engine) PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.New(errors.ErrInvalid, "retention period must be positive")
	}
	cutoff := e.now().Add(-olderThan).UnixMilli()
	n, err := e.store.PurgeOlderThan(ctx, cutoff, true)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Purged synced entities", map[string]interface{}{
			"count":      n,
			"older_than": olderThan.String(),
		})
		e.refreshStats(ctx)
	}
	return n, nil
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts returns recorded conflicts, only open ones when
// unresolvedOnly is set.
func (e *Engine) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*models.Conflict, error) {
	return e.store.ListConflicts(ctx, unresolvedOnly)
}

// GetConflict returns the conflict recorded for an entity.
func (e *Engine) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	return e.store.GetConflict(ctx, id)
}

// ResolveConflict resolves the open conflict of entity id with strategy.
// For merge, a non-empty merged payload is used as the result. A caller
// resolution resets the automatic resolution count of the entity.
func (e *Engine) ResolveConflict(ctx context.Context, id string, strategy models.Strategy, merged json.RawMessage) (*models.Entity, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	c, err := e.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	c.ResolutionAttempts = 0
	return e.applyResolution(ctx, c, strategy, merged)
}

// applyResolution writes the outcome of resolving c. The caller holds
// writeMu.
func (e *Engine) applyResolution(ctx context.Context, c *models.Conflict, strategy models.Strategy, merged json.RawMessage) (*models.Entity, error) {
	res, err := e.resolver.Resolve(c, strategy, merged)
	if err != nil {
		return nil, err
	}

	now := e.now().UnixMilli()
	c.Resolved = true
	c.Strategy = res.Strategy
	c.ResolvedAt = now

	ent, err := e.store.ResolveConflict(ctx, c, res.Payload, now)
	if err != nil {
		return nil, err
	}

	e.refreshStats(ctx)
	e.publish(events.Event{Type: events.ConflictResolved, EntityID: c.ID, Entity: ent.Clone(), Conflict: c})
	return ent, nil
}

// =====================================================
// Sync cycle
// =====================================================

// outcome counts the results of one batch.
type outcome struct {
	mu sync.Mutex
	events.Progress
	bytes int64
}

func (o *outcome) add(f func(p *events.Progress)) {
	o.mu.Lock()
	f(&o.Progress)
	o.mu.Unlock()
}

// RunSyncCycle syncs eligible pending entities in prioritized batches.
//
// The cycle is skipped, returning the current stats, when another cycle is
// running, when the network gate is closed, or when nothing is eligible.
// Batches run sequentially; entities within a batch are sent concurrently.
// Cancelling ctx stops further batches but not entities already sent.
func (e *Engine) RunSyncCycle(ctx context.Context) (models.SyncStats, error) {
	if e.remote == nil {
		return e.stats.Snapshot(), errors.Config("no remote configured")
	}
	if !e.inProgress.CompareAndSwap(false, true) {
		logging.Debug("Sync cycle already running, trigger dropped")
		return e.stats.Snapshot(), nil
	}
	defer e.inProgress.Store(false)

	if !e.gateOpen() {
		logging.Debug("Network gate closed, sync skipped", map[string]interface{}{
			"threshold": e.cfg.NetworkThreshold,
		})
		return e.stats.Snapshot(), nil
	}

	// entities stranded in syncing by an interrupted cycle go back to pending
	if n, err := e.store.ResetSyncing(ctx); err != nil {
		return e.stats.Snapshot(), err
	} else if n > 0 {
		logging.Warn("Recovered entities left in syncing", map[string]interface{}{"count": n})
	}

	attempted := make(map[string]bool)
	batch, err := e.queue.NextBatch(ctx, e.cfg.BatchSize, attempted)
	if err != nil {
		return e.stats.Snapshot(), err
	}
	if len(batch) == 0 {
		return e.stats.Snapshot(), nil
	}

	start := e.now()
	e.setState(StateSyncing, nil)
	e.publish(events.Event{Type: events.SyncStarted})
	logging.Info("Sync cycle started", map[string]interface{}{"first_batch": len(batch)})

	// bookkeeping outlives a cancelled ctx
	bg := context.WithoutCancel(ctx)
	var total outcome
	var cycleErr error

	for len(batch) > 0 {
		if err := e.runBatch(ctx, batch, attempted, &total); err != nil {
			cycleErr = err
			break
		}
		total.Batch++

		e.refreshStats(bg)
		progress := total.Progress
		e.publish(events.Event{Type: events.SyncProgress, Progress: &progress})

		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}
		if !e.gateOpen() {
			logging.Info("Network gate closed, remaining batches deferred")
			break
		}
		if batch, err = e.queue.NextBatch(ctx, e.cfg.BatchSize, attempted); err != nil {
			cycleErr = err
			break
		}
	}

	finished := e.now()
	snapshot, statsErr := e.stats.RecordCycle(bg, finished, finished.Sub(start), total.bytes)
	if statsErr != nil {
		logging.Error("Failed to record sync cycle", statsErr)
	}

	if cycleErr != nil {
		if _, err := e.store.ResetSyncing(bg); err != nil {
			logging.Error("Failed to release syncing entities", err)
		}
		e.setState(StateFailed, cycleErr)
		logging.ErrorWithCode("Sync cycle failed", string(errors.CodeOf(cycleErr)), cycleErr,
			map[string]interface{}{"processed": total.Processed})
		e.publish(events.Event{Type: events.SyncFailed, Err: cycleErr, Stats: &snapshot})
		return snapshot, cycleErr
	}

	e.mu.Lock()
	e.state = StateIdle
	e.lastErr = nil
	e.lastSync = &finished
	e.mu.Unlock()

	progress := total.Progress
	logging.Info("Sync cycle completed", map[string]interface{}{
		"batches":     progress.Batch,
		"processed":   progress.Processed,
		"synced":      progress.Synced,
		"retried":     progress.Retried,
		"failed":      progress.Failed,
		"conflicts":   progress.Conflicts,
		"duration_ms": finished.Sub(start).Milliseconds(),
	})
	e.publish(events.Event{Type: events.SyncCompleted, Stats: &snapshot, Progress: &progress})
	return snapshot, nil
}

// runBatch marks batch as syncing and sends every entity, at most
// MaxConcurrency at a time. Only storage failures are returned.
func (e *Engine) runBatch(ctx context.Context, batch []*models.Entity, attempted map[string]bool, total *outcome) error {
	ids := make([]string, len(batch))
	for i, ent := range batch {
		ids[i] = ent.ID
		attempted[ent.ID] = true
	}
	if _, err := e.store.MarkSyncing(ctx, ids); err != nil {
		return err
	}

	// a started entity send is never cancelled
	sendCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency())
	for _, ent := range batch {
		ent.SyncStatus = models.SyncStatusSyncing
		g.Go(func() error {
			return e.syncEntity(sendCtx, ent, total)
		})
	}
	return g.Wait()
}

// syncEntity sends one entity and applies the outcome, provided the entity
// was not edited meanwhile.
func (e *Engine) syncEntity(ctx context.Context, ent *models.Entity, total *outcome) error {
	res, err := e.remote.Upsert(ctx, ent)
	if err == nil && res.Outcome != remote.OutcomeAck && res.Outcome != remote.OutcomeConflict {
		err = errors.Newf(errors.ErrNetwork, "unknown remote outcome %q", res.Outcome)
	}

	total.add(func(p *events.Progress) { p.Processed++ })
	if err != nil {
		return e.handleSendError(ctx, ent, err, total)
	}

	total.mu.Lock()
	total.bytes += res.BytesSent
	total.mu.Unlock()

	if res.Outcome == remote.OutcomeConflict {
		return e.handleConflict(ctx, ent, res, total)
	}
	return e.handleAck(ctx, ent, res, total)
}

func (e *Engine) handleAck(ctx context.Context, ent *models.Entity, res remote.Result, total *outcome) error {
	var meta map[string]string
	if res.RemoteVersion != "" {
		meta = make(map[string]string, len(ent.Metadata)+1)
		for k, v := range ent.Metadata {
			meta[k] = v
		}
		meta[models.MetaRemoteVersion] = res.RemoteVersion
	}

	now := e.now().UnixMilli()
	applied, superseded, err := e.store.AckSynced(ctx, db.SyncUpdate{
		ID:       ent.ID,
		Version:  ent.Version,
		Metadata: meta,
	}, now)
	if err != nil {
		return err
	}
	if !applied {
		logging.Debug("Entity changed while syncing, ack discarded", map[string]interface{}{"entity_id": ent.ID})
		return nil
	}

	synced := ent.Clone()
	synced.SyncStatus = models.SyncStatusSynced
	synced.RetryCount = 0
	synced.NextRetryAt = 0
	synced.LastError = ""
	if meta != nil {
		synced.Metadata = meta
	}
	total.add(func(p *events.Progress) { p.Synced++ })
	e.publish(events.Event{Type: events.EntitySynced, EntityID: ent.ID, Entity: synced})

	if superseded {
		logging.Info("Open conflict superseded by accepted edit", map[string]interface{}{
			"entity_id": ent.ID,
			"version":   ent.Version,
		})
		c, err := e.store.GetConflict(ctx, ent.ID)
		if err != nil {
			logging.Error("Failed to load superseded conflict", err, map[string]interface{}{"entity_id": ent.ID})
			c = nil
		}
		e.publish(events.Event{Type: events.ConflictResolved, EntityID: ent.ID, Entity: synced.Clone(), Conflict: c})
	}
	return nil
}

func (e *Engine) handleSendError(ctx context.Context, ent *models.Entity, sendErr error, total *outcome) error {
	retries := ent.RetryCount + 1
	update := db.SyncUpdate{
		ID:         ent.ID,
		Version:    ent.Version,
		RetryCount: retries,
		LastError:  sendErr.Error(),
	}
	if retries < e.cfg.MaxRetries {
		update.Status = models.SyncStatusPending
		update.NextRetryAt = e.now().Add(e.cfg.RetryDelay).UnixMilli()
	} else {
		update.Status = models.SyncStatusFailed
	}

	applied, err := e.store.UpdateSyncState(ctx, update)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if update.Status == models.SyncStatusPending {
		logging.Debug("Entity send failed, will retry", map[string]interface{}{
			"entity_id": ent.ID,
			"attempt":   retries,
			"error":     sendErr.Error(),
		})
		total.add(func(p *events.Progress) { p.Retried++ })
		return nil
	}

	failed := ent.Clone()
	failed.SyncStatus = models.SyncStatusFailed
	failed.RetryCount = retries
	failed.LastError = update.LastError
	logging.ErrorWithCode("Entity sync failed", string(errors.ErrSyncFailed), sendErr, map[string]interface{}{
		"entity_id": ent.ID,
		"attempts":  retries,
	})
	total.add(func(p *events.Progress) { p.Failed++ })
	e.publish(events.Event{
		Type:     events.SyncItemFailed,
		EntityID: ent.ID,
		Entity:   failed,
		Err:      errors.Wrap(errors.ErrSyncFailed, fmt.Sprintf("entity %s failed after %d attempts", ent.ID, retries), sendErr),
	})
	return nil
}

// handleConflict records the conflict, publishes it and resolves it at once
// unless the policy asks for a manual resolution.
func (e *Engine) handleConflict(ctx context.Context, ent *models.Entity, res remote.Result, total *outcome) error {
	conflictType := res.ConflictType
	if !conflictType.Valid() {
		conflictType = models.ConflictTypeVersion
	}
	remotePayload := res.RemotePayload
	if len(remotePayload) == 0 {
		remotePayload = json.RawMessage("null")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	c := &models.Conflict{
		ID:            ent.ID,
		LocalPayload:  ent.Data,
		RemotePayload: remotePayload,
		ConflictType:  conflictType,
		DetectedAt:    e.now().UnixMilli(),
		RemoteVersion: res.RemoteVersion,
	}
	applied, err := e.store.RecordConflict(ctx, ent.Version, c)
	if err != nil {
		return err
	}
	if !applied {
		logging.Debug("Entity changed while syncing, conflict discarded", map[string]interface{}{"entity_id": ent.ID})
		return nil
	}

	// the stored record carries the resolution count of earlier conflicts
	stored, err := e.store.GetConflict(ctx, ent.ID)
	if err != nil {
		return err
	}

	decision := e.resolver.Decide(stored, ent.EntityType)
	if decision.Escalated {
		stored.Strategy = models.StrategyManual
		if err := e.store.PutConflict(ctx, stored); err != nil {
			return err
		}
	}

	conflicted := ent.Clone()
	conflicted.SyncStatus = models.SyncStatusConflict
	total.add(func(p *events.Progress) { p.Conflicts++ })
	logging.Warn("Sync conflict detected", map[string]interface{}{
		"entity_id":     ent.ID,
		"conflict_type": conflictType,
		"strategy":      decision.Strategy,
	})
	e.publish(events.Event{
		Type:      events.ConflictDetected,
		EntityID:  ent.ID,
		Entity:    conflicted,
		Conflict:  stored,
		Escalated: decision.Escalated,
		Err:       errors.Newf(errors.ErrSyncConflict, "%s conflict on %s", conflictType, ent.ID),
	})

	if !decision.Auto() {
		return nil
	}

	stored.ResolutionAttempts++
	if _, err := e.applyResolution(ctx, stored, decision.Strategy, nil); err != nil {
		if errors.CodeOf(err) == errors.ErrStorage {
			return err
		}
		// the conflict stays open for a caller to resolve
		logging.Error("Automatic conflict resolution failed", err, map[string]interface{}{"entity_id": ent.ID})
	}
	return nil
}

// =====================================================
// Helpers
// =====================================================

func (e *Engine) gateOpen() bool {
	if e.monitor == nil {
		return true
	}
	return e.cfg.NetworkThreshold.Allows(e.monitor.Status())
}

func (e *Engine) setState(s State, err error) {
	e.mu.Lock()
	e.state = s
	if err != nil {
		e.lastErr = err
	}
	e.mu.Unlock()
}

// refreshStats recounts the store. A failure is logged, not returned: the
// mutation it follows has already been committed.
func (e *Engine) refreshStats(ctx context.Context) {
	if _, err := e.stats.Refresh(ctx); err != nil {
		logging.Error("Failed to refresh sync stats", err)
	}
}

func (e *Engine) publish(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.bus.Publish(ev)
}

// IsManualResolutionRequired reports whether err means a conflict needs a
// caller decision.
func IsManualResolutionRequired(err error) bool {
	return stderrors.Is(err, conflict.ErrManualResolutionRequired)
}
