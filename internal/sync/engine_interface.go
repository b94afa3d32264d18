package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/events"
)

// SyncEngineInterface is the sync surface used by the scheduler and the CLI.
// It allows for mocking in tests.
type SyncEngineInterface interface {
	// RunSyncCycle runs one sync cycle and returns the resulting stats.
	RunSyncCycle(ctx context.Context) (models.SyncStats, error)

	// PurgeSynced deletes synced entities older than the given age.
	PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error)

	// Subscribe registers a listener for engine events.
	Subscribe(fn events.Listener, types ...events.Type) func()

	// Status returns the current cycle state.
	Status() State

	// LastSync returns the end of the last completed cycle.
	LastSync() *time.Time

	// LastError returns the error of the last failed cycle.
	LastError() error

	// Stats returns the last computed stats.
	Stats() models.SyncStats
}

var _ SyncEngineInterface = (*Engine)(nil)
