// Package dailyconnect provides a public facade re-exporting core types
// for external consumers of this module.
package dailyconnect

import (
	"log/slog"
	"time"

	"github.com/trymwestin/dailyconnect/internal/core/api"
	"github.com/trymwestin/dailyconnect/internal/core/auth"
	"github.com/trymwestin/dailyconnect/internal/core/coordinator"
	"github.com/trymwestin/dailyconnect/internal/core/retry"
	"github.com/trymwestin/dailyconnect/internal/core/state"
	"github.com/trymwestin/dailyconnect/internal/core/transport"
	"github.com/trymwestin/dailyconnect/internal/entities"
)

// Re-export core types for external use.
type (
	// Snapshot is the result of one polling cycle.
	Snapshot = state.Snapshot
	// ChildSnapshot is one child's summary and activity list.
	ChildSnapshot = state.ChildSnapshot
	// CalendarEvent is a raw calendar feed entry.
	CalendarEvent = state.CalendarEvent
	// Status describes the most recent cycles.
	Status = state.Status
	// ErrorKind classifies a failed cycle.
	ErrorKind = state.ErrorKind
	// Event represents a published snapshot or a failure.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// EventBus fans events out to subscribers.
	EventBus = state.EventBus
	// Coordinator owns the polling lifecycle.
	Coordinator = coordinator.Coordinator
	// UpdateError is returned by a failed refresh.
	UpdateError = coordinator.UpdateError
	// Credentials are the account login.
	Credentials = auth.Credentials
	// SensorState is an evaluated sensor value.
	SensorState = entities.SensorState
	// ResolvedEvent is a calendar entry with parsed bounds.
	ResolvedEvent = entities.Event
)

// Error kind constants.
const (
	KindCredentials = state.KindCredentials
	KindTransport   = state.KindTransport
	KindShape       = state.KindShape
	KindContract    = state.KindContract
)

// Event type constants.
const (
	EventSnapshotPublished = state.EventSnapshotPublished
	EventUpdateFailed      = state.EventUpdateFailed
	EventAuthFailed        = state.EventAuthFailed
)

// DefaultBaseURL is the public DailyConnect site.
const DefaultBaseURL = "https://www.dailyconnect.com"

// Options configures New. Zero values take the daemon defaults.
type Options struct {
	BaseURL        string
	Credentials    Credentials
	Interval       time.Duration
	RequestTimeout time.Duration
	CalendarDays   int
}

// New wires a coordinator and its event bus for an account. Call Refresh for
// a single cycle or Start for scheduled polling.
func New(opts Options, log *slog.Logger) (*Coordinator, *EventBus, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Interval == 0 {
		opts.Interval = coordinator.DefaultInterval
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	client, err := transport.NewClient(transport.Config{Family: transport.FamilyIPv4, Timeout: opts.RequestTimeout}, log)
	if err != nil {
		return nil, nil, err
	}
	session := auth.NewSession(opts.BaseURL, opts.Credentials, client, retry.Default(log), log)

	bus := state.NewEventBus(log)
	store := state.NewStore(bus, opts.Interval)
	c := coordinator.New(session, api.NewClient(session, log), store, coordinator.Config{
		Interval:     opts.Interval,
		CalendarDays: opts.CalendarDays,
	}, log)
	return c, bus, nil
}

// Sensors evaluates every sensor of a child.
func Sensors(c ChildSnapshot) []SensorState { return entities.Evaluate(c) }

// NextEvent returns the earliest calendar event starting at or after now.
func NextEvent(snap *Snapshot, now time.Time) (ResolvedEvent, bool) {
	return entities.NextEvent(snap, now)
}
