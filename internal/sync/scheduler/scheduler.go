// Package scheduler drives sync cycles in the background: on a fixed
// interval, shortly after the network comes back, and on demand. It also
// runs the optional retention sweep of synced entities.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/network"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine  syncpkg.SyncEngineInterface
	monitor network.Monitor
	config  SchedulerConfig

	stopCh      chan struct{}
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	wasOnline bool
	debounce  *time.Timer
	lastPurge time.Time
	purged    int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval      time.Duration // How often to sync (default: 30 seconds)
	ReconnectDebounce time.Duration // Quiet period after a reconnect before syncing (default: 2 seconds)
	RetentionPeriod   time.Duration // Age past which synced entities are purged, 0 disables
	RetentionInterval time.Duration // How often the retention sweep runs (default: 1 hour)
	SyncTimeout       time.Duration // Upper bound of a single cycle (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:      30 * time.Second,
		ReconnectDebounce: 2 * time.Second,
		RetentionInterval: time.Hour,
		SyncTimeout:       5 * time.Minute,
	}
}

// ConfigFrom derives the scheduler configuration from the engine config.
func ConfigFrom(cfg *config.Config) *SchedulerConfig {
	sc := DefaultSchedulerConfig()
	sc.SyncInterval = cfg.SyncInterval()
	sc.ReconnectDebounce = cfg.ReconnectDebounce
	sc.RetentionPeriod = cfg.RetentionPeriod
	if cfg.RetentionInterval > 0 {
		sc.RetentionInterval = cfg.RetentionInterval
	}
	return sc
}

// NewScheduler creates a new Scheduler. monitor may be nil, in which case
// only the timer and manual triggers start cycles.
func NewScheduler(engine syncpkg.SyncEngineInterface, monitor network.Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	c := *config
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 5 * time.Minute
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}

	return &Scheduler{
		engine:  engine,
		monitor: monitor,
		config:  c,
	}
}

// Start starts the background loops. They run until Stop is called or ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	s.wasOnline = s.IsOnline()
	s.mu.Unlock()

	if s.monitor != nil {
		s.unsubscribe = s.monitor.Subscribe(func(status network.Status) {
			s.onNetworkChange(ctx, status)
		})
	}

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	if s.config.RetentionPeriod > 0 {
		s.wg.Add(1)
		go s.retentionLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":      s.config.SyncInterval.String(),
		"reconnect_debounce": s.config.ReconnectDebounce.String(),
		"retention_period":   s.config.RetentionPeriod.String(),
	})
}

// Stop stops the scheduler and waits for running cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	close(s.stopCh)
	s.cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// onNetworkChange schedules a sync once the device has been back online for
// the debounce period. Flapping links restart the timer.
func (s *Scheduler) onNetworkChange(ctx context.Context, status network.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reconnected := status.Connected && !s.wasOnline
	s.wasOnline = status.Connected
	if !s.isRunning {
		return
	}

	if !status.Connected {
		if s.debounce != nil {
			s.debounce.Stop()
			s.debounce = nil
		}
		logging.Info("Network lost")
		return
	}
	if !reconnected {
		return
	}

	logging.Info("Network restored, sync scheduled", map[string]interface{}{
		"connection_class": status.Class,
		"debounce":         s.config.ReconnectDebounce.String(),
	})
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.config.ReconnectDebounce, func() {
		s.TriggerSync(ctx)
	})
}

// periodicSyncLoop runs a cycle on every tick.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx, "interval")
		}
	}
}

// retentionLoop purges old synced entities on every tick.
func (s *Scheduler) retentionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Scheduler) purge(ctx context.Context) {
	n, err := s.engine.PurgeSynced(ctx, s.config.RetentionPeriod)
	if err != nil {
		logging.ErrorWithCode("Retention sweep failed", string(errors.CodeOf(err)), err)
		return
	}

	s.mu.Lock()
	s.lastPurge = time.Now()
	s.purged += n
	s.mu.Unlock()
}

// runSync executes one sync cycle.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	if s.engine.Status() == syncpkg.StateSyncing {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"reason": reason})
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	stats, err := s.engine.RunSyncCycle(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}

	logging.Debug("Scheduled sync finished", map[string]interface{}{
		"reason":  reason,
		"pending": stats.Pending,
		"synced":  stats.Synced,
		"failed":  stats.Failed,
	})
}

// TriggerSync starts a cycle in the background.
// Returns true if sync was started, false if a cycle is already running or
// the scheduler is stopped.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.Status() == syncpkg.StateSyncing {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(ctx, "trigger")
	}()
	return true
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	SyncInProgress bool
	LastSyncTime   *time.Time
	LastError      error
	LastPurgeTime  *time.Time
	PurgedTotal    int
	Stats          models.SyncStats
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:   s.isRunning,
		PurgedTotal: s.purged,
	}
	if !s.lastPurge.IsZero() {
		t := s.lastPurge
		status.LastPurgeTime = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.IsOnline()
	status.SyncInProgress = s.engine.Status() == syncpkg.StateSyncing
	status.LastSyncTime = s.engine.LastSync()
	status.LastError = s.engine.LastError()
	status.Stats = s.engine.Stats()
	return status
}

// SyncNow runs a cycle and waits for it. A cycle already in progress makes
// this a no-op returning the current stats.
func (s *Scheduler) SyncNow(ctx context.Context) (models.SyncStats, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	stats, err := s.engine.RunSyncCycle(syncCtx)
	if err != nil {
		return stats, err
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"pending":   stats.Pending,
		"synced":    stats.Synced,
		"failed":    stats.Failed,
		"conflicts": stats.UnresolvedConflicts,
	})
	return stats, nil
}

// IsOnline reports whether the monitor sees a connection. Without a
// monitor the device is assumed online.
func (s *Scheduler) IsOnline() bool {
	if s.monitor == nil {
		return true
	}
	return s.monitor.Status().Connected
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
