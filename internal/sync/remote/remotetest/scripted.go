// Package remotetest provides a deterministic remote.Client for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
)

// Step is one scripted answer.
type Step struct {
	Result remote.Result
	Err    error
}

// Ack answers with an acknowledgement.
func Ack() Step {
	return Step{Result: remote.Result{Outcome: remote.OutcomeAck}}
}

// Conflict answers with a conflict carrying payload.
func Conflict(t models.ConflictType, payload string) Step {
	return Step{Result: remote.Result{
		Outcome:       remote.OutcomeConflict,
		ConflictType:  t,
		RemotePayload: json.RawMessage(payload),
	}}
}

// Fail answers with a network error.
func Fail(msg string) Step {
	return Step{Err: errors.New(errors.ErrNetwork, msg)}
}

// Call records one Upsert.
type Call struct {
	ID      string
	Version int
	Data    json.RawMessage
}

// Scripted answers each entity id from its own script, then from the
// default step once the script is exhausted.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]Step
	def     Step
	calls   []Call

	// Before, if set, runs at the start of every Upsert outside the lock.
	Before func(ctx context.Context, e *models.Entity)
}

// NewScripted creates a client that acknowledges everything.
func NewScripted() *Scripted {
	return &Scripted{scripts: make(map[string][]Step), def: Ack()}
}

// Script queues steps for id.
func (s *Scripted) Script(id string, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = append(s.scripts[id], steps...)
}

// SetDefault replaces the answer used when no script applies.
func (s *Scripted) SetDefault(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.def = step
}

// Upsert implements remote.Client.
func (s *Scripted) Upsert(ctx context.Context, e *models.Entity) (remote.Result, error) {
	if s.Before != nil {
		s.Before(ctx, e)
	}
	if err := ctx.Err(); err != nil {
		return remote.Result{}, errors.Network("upsert "+e.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{
		ID:      e.ID,
		Version: e.Version,
		Data:    append(json.RawMessage(nil), e.Data...),
	})

	step := s.def
	if queue := s.scripts[e.ID]; len(queue) > 0 {
		step = queue[0]
		s.scripts[e.ID] = queue[1:]
	}
	if step.Err != nil {
		return remote.Result{}, step.Err
	}
	res := step.Result
	res.BytesSent = int64(len(e.Data))
	return res, nil
}

// Calls returns the recorded calls in order.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the number of Upserts made for id.
func (s *Scripted) CallsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.ID == id {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (s *Scripted) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
