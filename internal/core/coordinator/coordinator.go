// Package coordinator runs the polling cycle: log in, list the children,
// fetch every child's summary and activity list in parallel, fetch the
// calendar, then publish one immutable snapshot.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/trymwestin/dailyconnect/internal/core/api"
	"github.com/trymwestin/dailyconnect/internal/core/auth"
	"github.com/trymwestin/dailyconnect/internal/core/state"
)

const (
	DefaultInterval = 30 * time.Minute
	MinInterval     = 5 * time.Minute
	MaxInterval     = 120 * time.Minute
)

// Authenticator obtains a fresh token for the cycle.
type Authenticator interface {
	Login(ctx context.Context) (string, error)
}

// Fetcher issues the data commands. api.Client satisfies it.
type Fetcher interface {
	UserInfo(ctx context.Context) (map[string]any, error)
	ChildSummary(ctx context.Context, childID string, date time.Time) (map[string]any, error)
	ChildStatus(ctx context.Context, childID string, date time.Time) (map[string]any, error)
	CalendarEvents(ctx context.Context, accountID string, daysAhead int) ([]state.CalendarEvent, error)
}

var (
	_ Authenticator = (*auth.Session)(nil)
	_ Fetcher       = (*api.Client)(nil)
)

// Phase is the coordinator's position within a cycle.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAuthenticating   Phase = "authenticating"
	PhaseFetchingUsers    Phase = "fetching_users"
	PhaseFetchingChildren Phase = "fetching_children"
	PhaseFetchingCalendar Phase = "fetching_calendar"
	PhasePublished        Phase = "published"
)

// UpdateError is returned by a failed cycle.
type UpdateError struct {
	Kind state.ErrorKind
	Err  error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("coordinator: %s: %v", e.Kind, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Fatal reports whether scheduled polling stops after this error.
func (e *UpdateError) Fatal() bool { return e.Kind.Fatal() }

// Status is the store status plus the coordinator's own bookkeeping.
type Status struct {
	state.Status
	Phase  Phase `json:"phase"`
	Paused bool  `json:"paused"`
}

// Config controls scheduling.
type Config struct {
	Interval     time.Duration
	CalendarDays int
}

// Coordinator owns the snapshot lifecycle.
type Coordinator struct {
	auth  Authenticator
	fetch Fetcher
	store *state.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	group  singleflight.Group
	paused atomic.Bool
	wakeCh chan struct{}

	phaseMu sync.RWMutex
	phase   Phase

	lifeMu sync.Mutex
	life   context.Context // polling loop context, nil until Run

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
}

// New creates a coordinator. A zero interval means DefaultInterval; other
// values are clamped to [MinInterval, MaxInterval].
func New(authn Authenticator, fetch Fetcher, store *state.Store, cfg Config, log *slog.Logger) *Coordinator {
	switch {
	case cfg.Interval <= 0:
		cfg.Interval = DefaultInterval
	case cfg.Interval < MinInterval:
		log.Warn("update interval below minimum, clamping", "interval", cfg.Interval, "min", MinInterval)
		cfg.Interval = MinInterval
	case cfg.Interval > MaxInterval:
		log.Warn("update interval above maximum, clamping", "interval", cfg.Interval, "max", MaxInterval)
		cfg.Interval = MaxInterval
	}
	if cfg.CalendarDays <= 0 {
		cfg.CalendarDays = api.DefaultCalendarDays
	}
	return &Coordinator{
		auth:   authn,
		fetch:  fetch,
		store:  store,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		wakeCh: make(chan struct{}, 1),
		phase:  PhaseIdle,
	}
}

// Store returns the snapshot store.
func (c *Coordinator) Store() *state.Store { return c.store }

// Snapshot returns the latest published snapshot.
func (c *Coordinator) Snapshot() *state.Snapshot { return c.store.Snapshot() }

// Status reports the current phase and the outcome of recent cycles.
func (c *Coordinator) Status() Status {
	c.phaseMu.RLock()
	phase := c.phase
	c.phaseMu.RUnlock()
	return Status{
		Status: c.store.Status(),
		Phase:  phase,
		Paused: c.paused.Load(),
	}
}

// Paused reports whether scheduled polling is halted by a fatal error.
func (c *Coordinator) Paused() bool { return c.paused.Load() }

// Resume re-enables scheduled polling and triggers a cycle right away.
func (c *Coordinator) Resume() {
	if c.paused.Swap(false) {
		c.log.Info("polling resumed")
	}
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// Refresh runs one cycle. Concurrent callers share the in-flight cycle, which
// is not cancelled when the caller that started it goes away; only stopping
// the polling loop cancels it. A successful manual refresh also lifts a fatal
// pause.
func (c *Coordinator) Refresh(ctx context.Context) (*state.Snapshot, error) {
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		cctx, cancel := c.cycleContext(ctx)
		defer cancel()
		return c.cycle(cctx)
	})
	if shared {
		c.log.Debug("joined in-flight update")
	}
	if err != nil {
		return nil, err
	}
	if c.paused.Swap(false) {
		c.log.Info("polling resumed after successful refresh")
	}
	return v.(*state.Snapshot), nil
}

// Start runs the polling loop in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("coordinator: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running.Store(true)

	go func() {
		defer close(c.stopped)
		c.Run(ctx)
	}()
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (c *Coordinator) Stop(_ context.Context) error {
	if !c.running.Load() {
		return nil
	}
	c.cancel()
	<-c.stopped
	c.running.Store(false)
	return nil
}

// cycleContext keeps parent's values but takes cancellation from the polling
// loop instead of the caller.
func (c *Coordinator) cycleContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	c.lifeMu.Lock()
	life := c.life
	c.lifeMu.Unlock()
	if life == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Run polls immediately and then on every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.lifeMu.Lock()
	c.life = ctx
	c.lifeMu.Unlock()

	c.log.Info("polling started", "interval", c.cfg.Interval)
	c.scheduled(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("polling stopped")
			return ctx.Err()
		case <-c.wakeCh:
			c.scheduled(ctx)
		case <-ticker.C:
			c.scheduled(ctx)
		}
	}
}

func (c *Coordinator) scheduled(ctx context.Context) {
	if c.paused.Load() {
		c.log.Warn("polling paused after fatal error, skipping update")
		return
	}
	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Debug("scheduled update failed", "error", err)
	}
}

func (c *Coordinator) setPhase(p Phase) {
	c.phaseMu.Lock()
	c.phase = p
	c.phaseMu.Unlock()
}

func (c *Coordinator) cycle(ctx context.Context) (*state.Snapshot, error) {
	log := c.log.With("cycle_id", uuid.NewString())
	started := c.now()
	log.Debug("update started")

	c.setPhase(PhaseAuthenticating)
	if _, err := c.auth.Login(ctx); err != nil {
		kind := state.KindTransport
		if errors.Is(err, auth.ErrInvalidCredentials) {
			kind = state.KindCredentials
		}
		return nil, c.fail(log, kind, fmt.Errorf("login: %w", err))
	}

	c.setPhase(PhaseFetchingUsers)
	info, err := c.fetch.UserInfo(ctx)
	if err != nil {
		return nil, c.fail(log, classify(err), fmt.Errorf("user info: %w", err))
	}
	kids, ok := info["myKids"].([]any)
	if !ok {
		return nil, c.fail(log, state.KindShape, fmt.Errorf("user info: %w: myKids is not a list", api.ErrShapeMismatch))
	}

	c.setPhase(PhaseFetchingChildren)
	children, err := c.fetchChildren(ctx, log, kids)
	if err != nil {
		return nil, c.fail(log, classify(err), fmt.Errorf("children: %w", err))
	}

	c.setPhase(PhaseFetchingCalendar)
	accountID := api.String(info["Id"])
	calendar := []state.CalendarEvent{}
	if accountID == "" {
		log.Warn("user info has no account id, skipping calendar")
	} else {
		events, err := c.fetch.CalendarEvents(ctx, accountID, c.cfg.CalendarDays)
		switch {
		case errors.Is(err, api.ErrNotAuthenticated):
			return nil, c.fail(log, state.KindContract, fmt.Errorf("calendar: %w", err))
		case err != nil:
			log.Warn("calendar unavailable, using empty calendar", "error", err)
		default:
			calendar = events
		}
	}

	snap := &state.Snapshot{
		Children:  children,
		Calendar:  calendar,
		AccountID: accountID,
		FetchedAt: c.now(),
	}
	c.store.Publish(snap)
	c.setPhase(PhasePublished)

	log.Info("update published",
		"children", len(children),
		"calendar_events", len(calendar),
		"duration", c.now().Sub(started))
	return snap, nil
}

type childResult struct {
	name    string
	summary map[string]any
	status  map[string]any
}

// fetchChildren fetches every child's summary and status concurrently. A
// failed fetch leaves that field empty; only a contract error aborts.
func (c *Coordinator) fetchChildren(ctx context.Context, log *slog.Logger, kids []any) (map[string]state.ChildSnapshot, error) {
	results := make(map[string]*childResult, len(kids))
	var g errgroup.Group

	for i, raw := range kids {
		kid, ok := raw.(map[string]any)
		if !ok {
			log.Warn("skipping child entry that is not an object", "index", i)
			continue
		}
		id := api.String(kid["Id"])
		if id == "" {
			log.Warn("skipping child without id", "index", i)
			continue
		}
		res := &childResult{name: api.String(kid["Name"])}
		results[id] = res

		g.Go(func() error {
			m, err := c.fetch.ChildSummary(ctx, id, time.Time{})
			if errors.Is(err, api.ErrNotAuthenticated) {
				return err
			}
			if err != nil {
				log.Warn("child summary unavailable", "child_id", id, "error", err)
			}
			res.summary = m
			return nil
		})
		g.Go(func() error {
			m, err := c.fetch.ChildStatus(ctx, id, time.Time{})
			if errors.Is(err, api.ErrNotAuthenticated) {
				return err
			}
			if err != nil {
				log.Warn("child status unavailable", "child_id", id, "error", err)
			}
			res.status = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	children := make(map[string]state.ChildSnapshot, len(results))
	for id, res := range results {
		child := state.ChildSnapshot{Name: res.name, Summary: res.summary, Status: res.status}
		if child.Summary == nil {
			child.Summary = map[string]any{}
		}
		if child.Status == nil {
			child.Status = map[string]any{}
		}
		children[id] = child
	}
	return children, nil
}

func (c *Coordinator) fail(log *slog.Logger, kind state.ErrorKind, err error) error {
	uerr := &UpdateError{Kind: kind, Err: err}
	c.store.Fail(kind, uerr, c.now())
	c.setPhase(PhaseIdle)

	if kind.Fatal() {
		c.paused.Store(true)
		log.Error("update failed, polling paused", "kind", kind, "error", err)
	} else {
		log.Warn("update failed, keeping previous data", "kind", kind, "error", err)
	}
	return uerr
}

func classify(err error) state.ErrorKind {
	var syntaxErr *json.SyntaxError
	switch {
	case errors.Is(err, api.ErrNotAuthenticated):
		return state.KindContract
	case errors.Is(err, api.ErrShapeMismatch), errors.As(err, &syntaxErr):
		return state.KindShape
	default:
		return state.KindTransport
	}
}
