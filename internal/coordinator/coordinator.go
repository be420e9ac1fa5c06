// Package coordinator drives pull cycles: it syncs every configured calendar,
// retries transient failures with backoff, rebuilds snapshots and hands them
// to the presenter.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"calpull/internal/fetch"
	appLog "calpull/internal/log"
	"calpull/internal/metrics"
	"calpull/internal/model"
)

// State is the sync state of one calendar.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateSucceeded State = "succeeded"
	StateRetrying  State = "retrying"
	StateFailed    State = "failed"
)

var allStates = []string{
	string(StateIdle), string(StateFetching), string(StateSucceeded), string(StateRetrying), string(StateFailed),
}

// ErrCycleInProgress is returned by RunCycle while another cycle runs.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Syncer is the fetch driver.
type Syncer interface {
	Sync(ctx context.Context, cal model.CalendarID) (fetch.SyncOutcome, error)
}

// Builder builds a snapshot from the local store.
type Builder interface {
	Build(ctx context.Context, cal model.CalendarID, w model.Window) (model.Snapshot, error)
}

// Purger removes records past the retention window.
type Purger interface {
	PurgeOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// Presenter receives each successfully built snapshot. It must not block;
// wrap slow presenters in an AsyncPresenter.
type Presenter interface {
	Present(cal model.CalendarID, snap model.Snapshot)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(cal model.CalendarID, snap model.Snapshot)

func (f PresenterFunc) Present(cal model.CalendarID, snap model.Snapshot) { f(cal, snap) }

// Config holds the cycle parameters.
type Config struct {
	Calendars   []model.CalendarID
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Concurrency int
	Lookback    time.Duration
	Horizon     time.Duration
	Retention   time.Duration
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = max(c.BaseBackoff, time.Minute)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Horizon <= 0 {
		c.Horizon = 14 * 24 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
}

// CalendarStatus is the last known state of one calendar.
type CalendarStatus struct {
	CalendarID  model.CalendarID  `json:"calendar_id"`
	State       State             `json:"state"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	LastAttempt time.Time         `json:"last_attempt,omitempty"`
	LastSuccess time.Time         `json:"last_success,omitempty"`
	Occurrences int               `json:"occurrences"`
	Outcome     fetch.SyncOutcome `json:"-"`
}

// CycleResult summarizes one RunCycle.
type CycleResult struct {
	ID        string
	Started   time.Time
	Finished  time.Time
	Calendars []CalendarStatus
	Purged    int64
}

type Coordinator struct {
	cfg       Config
	syncer    Syncer
	builder   Builder
	purger    Purger
	presenter Presenter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	running atomic.Bool
	mu      sync.RWMutex
	status  map[model.CalendarID]CalendarStatus
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSleep replaces the backoff wait. sleep must return ctx.Err() when ctx
// ends first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

func New(cfg Config, syncer Syncer, builder Builder, purger Purger, presenter Presenter, opts ...Option) *Coordinator {
	cfg.normalize()
	c := &Coordinator{
		cfg:       cfg,
		syncer:    syncer,
		builder:   builder,
		purger:    purger,
		presenter: presenter,
		now:       time.Now,
		sleep:     sleepCtx,
		status:    make(map[model.CalendarID]CalendarStatus, len(cfg.Calendars)),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, cal := range cfg.Calendars {
		c.status[cal] = CalendarStatus{CalendarID: cal, State: StateIdle}
		metrics.SetCalendarState(string(cal), string(StateIdle), allStates)
	}
	return c
}

// Window is the viewing window for a cycle that starts at now.
func (c *Coordinator) Window(now time.Time) model.Window {
	return model.Window{Start: now.Add(-c.cfg.Lookback), End: now.Add(c.cfg.Horizon)}
}

// RunCycle syncs every calendar, at most Concurrency at a time, then purges
// records older than the retention window. One calendar's failure never
// stops the others; the returned error joins every calendar failure.
// Purging is skipped when ctx ends during the cycle.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer c.running.Store(false)

	res := CycleResult{ID: uuid.NewString(), Started: c.now()}
	appLog.Info("sync cycle start", "cycle", res.ID, "calendars", len(c.cfg.Calendars))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(c.cfg.Concurrency)
	for _, cal := range c.cfg.Calendars {
		cal := cal
		g.Go(func() error {
			if _, err := c.syncCalendar(ctx, res.ID, cal); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, cal := range c.cfg.Calendars {
		res.Calendars = append(res.Calendars, c.CalendarStatus(cal))
	}

	if ctx.Err() == nil {
		cutoff := c.now().Add(-c.cfg.Retention)
		n, err := c.purger.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			appLog.Error("purge failed", err, "cycle", res.ID)
			errs = append(errs, fmt.Errorf("purge: %w", err))
		} else {
			res.Purged = n
			metrics.AddPurged(n)
		}
	}

	res.Finished = c.now()
	appLog.Info("sync cycle done", "cycle", res.ID, "failed", len(errs), "purged", res.Purged, "took", res.Finished.Sub(res.Started).String())
	return res, errors.Join(errs...)
}

// SyncCalendar runs one calendar through a full cycle outside RunCycle,
// without purging. It shares RunCycle's guard, so it never overlaps a
// cycle or its purge.
func (c *Coordinator) SyncCalendar(ctx context.Context, cal model.CalendarID) (CalendarStatus, error) {
	if !c.running.CompareAndSwap(false, true) {
		return c.CalendarStatus(cal), ErrCycleInProgress
	}
	defer c.running.Store(false)
	return c.syncCalendar(ctx, uuid.NewString(), cal)
}

func (c *Coordinator) syncCalendar(ctx context.Context, cycle string, cal model.CalendarID) (CalendarStatus, error) {
	st := CalendarStatus{CalendarID: cal, State: StateIdle}
	if prev, ok := c.lookup(cal); ok {
		st.LastSuccess = prev.LastSuccess
		st.Occurrences = prev.Occurrences
	}
	c.set(st)

	var (
		out fetch.SyncOutcome
		err error
	)
	for attempt := 1; ; attempt++ {
		st.State = StateFetching
		st.Attempts = attempt
		st.LastAttempt = c.now()
		c.set(st)

		started := time.Now()
		out, err = c.syncer.Sync(ctx, cal)
		took := time.Since(started)
		if err == nil {
			metrics.ObserveSync(string(cal), "success", took)
			break
		}

		st.LastError = err.Error()
		if ctx.Err() != nil || !fetch.Retryable(err) || attempt >= c.cfg.MaxAttempts {
			metrics.ObserveSync(string(cal), "failed", took)
			return c.fail(st, cycle, err)
		}
		metrics.ObserveSync(string(cal), "retry", took)

		delay := c.backoff(attempt, fetch.RetryAfter(err))
		st.State = StateRetrying
		c.set(st)
		appLog.Warn("sync failed, retrying", "cycle", cycle, "calendar", cal, "attempt", attempt, "delay", delay.String(), "err", err.Error())
		if serr := c.sleep(ctx, delay); serr != nil {
			return c.fail(st, cycle, err)
		}
	}

	metrics.ObserveDeltas(string(cal), out.Applied, out.Discarded, out.Skipped, out.Swept)
	st.Outcome = out

	snap, err := c.builder.Build(ctx, cal, c.Window(c.now()))
	if err != nil {
		st.LastError = err.Error()
		return c.fail(st, cycle, err)
	}
	c.presenter.Present(cal, snap)
	metrics.SetSnapshotOccurrences(string(cal), snap.Len())

	st.State = StateSucceeded
	st.LastError = ""
	st.LastSuccess = c.now()
	st.Occurrences = snap.Len()
	c.set(st)
	appLog.Info("calendar synced",
		"cycle", cycle,
		"calendar", cal,
		"attempts", st.Attempts,
		"full", out.Full,
		"applied", out.Applied,
		"occurrences", snap.Len(),
	)
	return st, nil
}

// fail records st as Failed. The previously presented snapshot stays.
func (c *Coordinator) fail(st CalendarStatus, cycle string, err error) (CalendarStatus, error) {
	st.State = StateFailed
	c.set(st)
	appLog.Error("calendar sync failed", err, "cycle", cycle, "calendar", st.CalendarID, "attempts", st.Attempts)
	return st, err
}

// backoff is base·2^(attempt-1) capped at MaxBackoff, or the remote's
// requested delay when that is longer.
func (c *Coordinator) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := c.cfg.BaseBackoff
	for i := 1; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, c.cfg.MaxBackoff)
	return max(d, retryAfter)
}

// Status returns every calendar's status in configuration order.
func (c *Coordinator) Status() []CalendarStatus {
	out := make([]CalendarStatus, 0, len(c.cfg.Calendars))
	for _, cal := range c.cfg.Calendars {
		out = append(out, c.CalendarStatus(cal))
	}
	return out
}

func (c *Coordinator) CalendarStatus(cal model.CalendarID) CalendarStatus {
	st, _ := c.lookup(cal)
	return st
}

func (c *Coordinator) lookup(cal model.CalendarID) (CalendarStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.status[cal]
	return st, ok
}

func (c *Coordinator) set(st CalendarStatus) {
	c.mu.Lock()
	c.status[st.CalendarID] = st
	c.mu.Unlock()
	metrics.SetCalendarState(string(st.CalendarID), string(st.State), allStates)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
