package state

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ChildSnapshot is the per-child part of a polling result. Summary and Status
// hold the upstream JSON objects as decoded; consumers index into them by
// fixed key paths (summary.summary.<field>, status.list[]).
type ChildSnapshot struct {
	Name    string         `json:"name"`
	Summary map[string]any `json:"summary"`
	Status  map[string]any `json:"status"`
}

// CalendarEvent is one entry of the shared calendar feed. Start and End are
// either a date ("2024-01-23") or a date-time ("2024-01-23T10:00:00").
type CalendarEvent struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	AllDay      *bool  `json:"all_day,omitempty"`
}

// Snapshot is the complete result of one polling cycle. It is never mutated
// after being published.
type Snapshot struct {
	Children  map[string]ChildSnapshot `json:"children"`
	Calendar  []CalendarEvent          `json:"calendar"`
	AccountID string                   `json:"account_id"`
	FetchedAt time.Time                `json:"fetched_at"`
}

// Child returns the snapshot for a child id.
func (s *Snapshot) Child(id string) (ChildSnapshot, bool) {
	if s == nil {
		return ChildSnapshot{}, false
	}
	c, ok := s.Children[id]
	return c, ok
}

// ErrorKind classifies why a cycle failed.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindCredentials ErrorKind = "credentials_invalid"
	KindTransport   ErrorKind = "transport_error"
	KindShape       ErrorKind = "shape_mismatch"
	KindContract    ErrorKind = "contract_violation"
)

// Fatal reports whether the kind halts polling until an operator intervenes.
func (k ErrorKind) Fatal() bool {
	return k == KindCredentials || k == KindContract
}

// Status describes the outcome of the most recent cycles.
type Status struct {
	LastUpdateSuccess bool          `json:"last_update_success"`
	LastSuccessAt     time.Time     `json:"last_success_at,omitempty"`
	LastAttemptAt     time.Time     `json:"last_attempt_at,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastErrorKind     ErrorKind     `json:"last_error_kind,omitempty"`
	UpdateInterval    time.Duration `json:"update_interval"`
}

// EventType identifies event categories.
type EventType string

const (
	EventSnapshotPublished EventType = "snapshot_published"
	EventUpdateFailed      EventType = "update_failed"
	EventAuthFailed        EventType = "auth_failed"
)

// Event represents a state change.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// SnapshotReader provides read-only access to the published state.
type SnapshotReader interface {
	Snapshot() *Snapshot
	Status() Status
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed on unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// --- Store ---

// Store holds the latest published snapshot and cycle status. The snapshot
// pointer is swapped atomically so readers never see a partial cycle.
type Store struct {
	snap atomic.Pointer[Snapshot]

	mu     sync.RWMutex
	status Status

	bus *EventBus
}

// NewStore creates an empty store wired to the event bus.
func NewStore(bus *EventBus, interval time.Duration) *Store {
	return &Store{
		bus:    bus,
		status: Status{UpdateInterval: interval},
	}
}

// Snapshot returns the latest published snapshot, or nil before the first
// successful cycle.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Status returns a copy of the cycle status.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Publish replaces the snapshot wholesale and notifies subscribers.
func (s *Store) Publish(snap *Snapshot) {
	s.snap.Store(snap)

	s.mu.Lock()
	s.status.LastUpdateSuccess = true
	s.status.LastSuccessAt = snap.FetchedAt
	s.status.LastAttemptAt = snap.FetchedAt
	s.status.LastError = ""
	s.status.LastErrorKind = KindNone
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(Event{Type: EventSnapshotPublished, Data: snap})
	}
}

// Fail records a failed cycle. The previous snapshot stays in place.
func (s *Store) Fail(kind ErrorKind, err error, at time.Time) {
	s.mu.Lock()
	s.status.LastUpdateSuccess = false
	s.status.LastAttemptAt = at
	s.status.LastErrorKind = kind
	if err != nil {
		s.status.LastError = err.Error()
	}
	st := s.status
	s.mu.Unlock()

	if s.bus == nil {
		return
	}
	typ := EventUpdateFailed
	if kind == KindCredentials {
		typ = EventAuthFailed
	}
	s.bus.Publish(Event{Type: typ, Data: st})
}
