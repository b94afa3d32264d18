// Package events is the synchronous publish/subscribe bus of the sync engine.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Type names an event.
type Type string

const (
	EntitySaved      Type = "entitySaved"
	EntityDeleted    Type = "entityDeleted"
	EntitySynced     Type = "entitySynced"
	SyncStarted      Type = "syncStarted"
	SyncProgress     Type = "syncProgress"
	SyncCompleted    Type = "syncCompleted"
	SyncFailed       Type = "syncFailed"
	SyncItemFailed   Type = "syncItemFailed"
	ConflictDetected Type = "conflictDetected"
	ConflictResolved Type = "conflictResolved"
)

// Progress describes a sync cycle after a batch.
type Progress struct {
	Batch     int `json:"batch"`
	Processed int `json:"processed"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Conflicts int `json:"conflicts"`
}

// Event is a tagged notification. Only the fields relevant to Type are set.
type Event struct {
	Type     Type
	Time     time.Time
	EntityID string
	Entity   *models.Entity
	Conflict *models.Conflict
	Stats    *models.SyncStats
	Progress *Progress
	Err      error
	// Escalated marks a conflictDetected event raised because the automatic
	// resolution cap was reached.
	Escalated bool
}

// Listener receives events. Listeners run on the publishing goroutine and
// must not publish themselves.
type Listener func(Event)

type subscription struct {
	id    int
	types map[Type]bool
	fn    Listener
}

// Bus delivers events to listeners in subscription order. Publishing is
// serialized, so a listener never runs concurrently with another delivery.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription

	dispatch sync.Mutex
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for the given event types, or for every event when
// no type is given. The returned function removes the subscription.
func (b *Bus) Subscribe(fn Listener, types ...Type) (unsubscribe func()) {
	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, types: filter, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every matching listener before returning. A
// panicking listener is recovered and logged; delivery continues.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.dispatch.Lock()
	defer b.dispatch.Unlock()

	for _, s := range subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		deliver(s.fn, ev)
	}
}

func deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event listener panicked", fmt.Errorf("%v", r),
				map[string]interface{}{
					"event":     ev.Type,
					"entity_id": ev.EntityID,
				})
		}
	}()
	fn(ev)
}
