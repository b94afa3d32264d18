// Package network provides connectivity monitoring for the sync scheduler.
package network

import (
	"sync"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// ConnectionClass is the kind of link the device is currently using.
type ConnectionClass string

const (
	ClassWiFi     ConnectionClass = "wifi"
	ClassCellular ConnectionClass = "cellular"
	ClassEthernet ConnectionClass = "ethernet"
	ClassOther    ConnectionClass = "other"
)

// Valid reports whether c is a known class.
func (c ConnectionClass) Valid() bool {
	switch c {
	case ClassWiFi, ClassCellular, ClassEthernet, ClassOther:
		return true
	}
	return false
}

// Status is a point-in-time view of connectivity.
type Status struct {
	Connected bool            `json:"connected"`
	Class     ConnectionClass `json:"connection_class"`
}

// Threshold is the gating policy applied before a sync cycle.
type Threshold string

const (
	// ThresholdAny allows sync on any connected link.
	ThresholdAny Threshold = "any"
	// ThresholdWiFi allows sync only over wifi.
	ThresholdWiFi Threshold = "wifi"
	// ThresholdGood allows sync over unmetered links (wifi, ethernet).
	ThresholdGood Threshold = "good"
)

// Valid reports whether t is a known threshold.
func (t Threshold) Valid() bool {
	switch t {
	case ThresholdAny, ThresholdWiFi, ThresholdGood:
		return true
	}
	return false
}

// Allows evaluates the threshold against a connectivity status.
func (t Threshold) Allows(s Status) bool {
	if !s.Connected {
		return false
	}
	switch t {
	case ThresholdWiFi:
		return s.Class == ClassWiFi
	case ThresholdGood:
		return s.Class == ClassWiFi || s.Class == ClassEthernet
	default:
		return true
	}
}

// Monitor reports connectivity and notifies subscribers on changes.
type Monitor interface {
	// Status returns the current connectivity.
	Status() Status

	// Subscribe registers fn for status changes and returns a function
	// that removes the subscription.
	Subscribe(fn func(Status)) (unsubscribe func())
}

// subscribers is the listener list shared by the Monitor implementations.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Status)
	order  []int
}

func (s *subscribers) add(fn func(Status)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Status))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *subscribers) notify(status Status) {
	s.mu.Lock()
	fns := make([]func(Status), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// Manual is a Monitor whose status is set by the host application, which
// owns the platform connectivity APIs.
type Manual struct {
	mu     sync.RWMutex
	status Status
	subs   subscribers
}

// NewManual creates a Manual monitor with the given initial status.
func NewManual(initial Status) *Manual {
	return &Manual{status: initial}
}

// Status returns the last status set.
func (m *Manual) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Set updates the status and notifies subscribers if it changed.
func (m *Manual) Set(status Status) {
	m.mu.Lock()
	prev := m.status
	m.status = status
	m.mu.Unlock()

	if prev == status {
		return
	}

	logging.Info("Network status changed",
		map[string]interface{}{
			"was_connected":    prev.Connected,
			"is_connected":     status.Connected,
			"connection_class": status.Class,
		})
	m.subs.notify(status)
}

// SetOnline is a shorthand that keeps the current connection class.
func (m *Manual) SetOnline(online bool) {
	s := m.Status()
	s.Connected = online
	m.Set(s)
}

// Subscribe registers a change listener.
func (m *Manual) Subscribe(fn func(Status)) func() {
	return m.subs.add(fn)
}
