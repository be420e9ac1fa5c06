package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calpull/internal/fetch"
	"calpull/internal/model"
	"calpull/internal/recur"
	"calpull/internal/snapshot"
	"calpull/internal/store"
)

type recorder struct {
	mu    sync.Mutex
	snaps map[model.CalendarID][]model.Snapshot
}

func (r *recorder) Present(cal model.CalendarID, snap model.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snaps == nil {
		r.snaps = make(map[model.CalendarID][]model.Snapshot)
	}
	r.snaps[cal] = append(r.snaps[cal], snap)
}

func (r *recorder) latest(cal model.CalendarID) (model.Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snaps[cal]
	if len(s) == 0 {
		return model.Snapshot{}, 0
	}
	return s[len(s)-1], len(s)
}

type stack struct {
	store *store.Store
	coord *Coordinator
	pres  *recorder
	slept []time.Duration
}

// newStack wires a real store, driver and builder around scripted sources.
func newStack(t *testing.T, now time.Time, cfg Config, sources map[model.CalendarID]fetch.Source) *stack {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calpull.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	locks := store.NewLocks()
	driver := fetch.NewDriver(sources, st.Tokens(), st.Events(), locks)
	builder := snapshot.NewBuilder(st.Events(), locks, recur.Func(recur.Expand))

	s := &stack{store: st, pres: &recorder{}}
	var mu sync.Mutex
	s.coord = New(cfg, driver, builder, st.Events(), s.pres,
		WithClock(func() time.Time { return now }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			s.slept = append(s.slept, d)
			mu.Unlock()
			return ctx.Err()
		}),
	)
	return s
}

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	return loc
}

// TestWorkCalendarScenario follows one weekly series through a full sync and
// an incremental cancellation of its second occurrence.
func TestWorkCalendarScenario(t *testing.T) {
	loc := berlin(t)
	now := time.Date(2024, 3, 3, 12, 0, 0, 0, loc)
	monday := time.Date(2024, 3, 4, 10, 0, 0, 0, loc)
	second := monday.AddDate(0, 0, 7)

	var tokens []string
	src := fetch.SourceFunc(func(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
		tokens = append(tokens, req.Token)
		if req.Token == "" {
			return fetch.PageResult{NewToken: "T1", Deltas: []model.Delta{{
				Kind: model.DeltaUpsert,
				Record: model.EventRecord{
					EventID:    "standup",
					Title:      "Standup",
					Start:      model.EventTime{Time: monday},
					End:        model.EventTime{Time: monday.Add(30 * time.Minute)},
					Recurrence: &model.Recurrence{Rule: "FREQ=WEEKLY;BYDAY=MO"},
					Sequence:   1,
					Status:     model.StatusConfirmed,
				},
			}}}, nil
		}
		return fetch.PageResult{NewToken: "T2", Deltas: []model.Delta{{
			Kind: model.DeltaCancel,
			Record: model.EventRecord{
				EventID:          "standup_20240311",
				RecurringEventID: "standup",
				OriginalStart:    second,
				Sequence:         2,
			},
		}}}, nil
	})

	s := newStack(t, now, Config{Calendars: []model.CalendarID{"work"}, Horizon: 14 * 24 * time.Hour},
		map[model.CalendarID]fetch.Source{"work": src})
	ctx := context.Background()

	res, err := s.coord.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, res.Calendars, 1)
	assert.Equal(t, StateSucceeded, res.Calendars[0].State)
	assert.NotEmpty(t, res.ID)

	snap, n := s.pres.latest("work")
	require.Equal(t, 1, n)
	require.Equal(t, 2, snap.Len())
	for i, want := range []time.Time{monday, second} {
		occ := snap.At(i)
		assert.Equal(t, time.Monday, occ.Start.In(loc).Weekday())
		assert.True(t, occ.Start.Equal(want))
		assert.Equal(t, 10, occ.Start.In(loc).Hour())
		assert.Equal(t, 30*time.Minute, occ.End.Sub(occ.Start))
	}
	tok, ok, err := s.store.Tokens().Get(ctx, "work")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "T1", tok)

	_, err = s.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "T1"}, tokens)

	snap, n = s.pres.latest("work")
	require.Equal(t, 2, n)
	require.Equal(t, 1, snap.Len())
	assert.True(t, snap.At(0).Start.Equal(monday))

	tok, _, err = s.store.Tokens().Get(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "T2", tok)
}

func TestRetriesTransientWithBackoff(t *testing.T) {
	var calls atomic.Int32
	src := fetch.SourceFunc(func(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
		switch calls.Add(1) {
		case 1:
			return fetch.PageResult{}, fetch.Transient(errors.New("503"), 0)
		case 2:
			return fetch.PageResult{}, fetch.Transient(errors.New("429"), 10*time.Second)
		default:
			return fetch.PageResult{NewToken: "T1"}, nil
		}
	})
	now := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	s := newStack(t, now, Config{
		Calendars:   []model.CalendarID{"work"},
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  4 * time.Second,
	}, map[model.CalendarID]fetch.Source{"work": src})

	st, err := s.coord.SyncCalendar(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 10 * time.Second}, s.slept, "retry-after outranks the backoff")
	_, n := s.pres.latest("work")
	assert.Equal(t, 1, n)
}

func TestFailureKeepsPreviousSnapshot(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	src := fetch.SourceFunc(func(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
		calls.Add(1)
		if fail.Load() {
			return fetch.PageResult{}, fetch.Transient(errors.New("down"), 0)
		}
		return fetch.PageResult{NewToken: "T1"}, nil
	})
	okSrc := fetch.SourceFunc(func(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
		return fetch.PageResult{NewToken: "H1"}, nil
	})
	now := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	s := newStack(t, now, Config{Calendars: []model.CalendarID{"work", "home"}, MaxAttempts: 2},
		map[model.CalendarID]fetch.Source{"work": src, "home": okSrc})
	ctx := context.Background()

	_, err := s.coord.RunCycle(ctx)
	require.NoError(t, err)

	fail.Store(true)
	calls.Store(0)
	res, err := s.coord.RunCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, fetch.KindTransient, fetch.KindOf(err))
	assert.Equal(t, int32(2), calls.Load(), "gives up after MaxAttempts")

	byCal := map[model.CalendarID]CalendarStatus{}
	for _, st := range res.Calendars {
		byCal[st.CalendarID] = st
	}
	assert.Equal(t, StateFailed, byCal["work"].State)
	assert.Contains(t, byCal["work"].LastError, "down")
	assert.False(t, byCal["work"].LastSuccess.IsZero())
	assert.Equal(t, StateSucceeded, byCal["home"].State, "one failure never blocks other calendars")

	_, n := s.pres.latest("work")
	assert.Equal(t, 1, n, "presenter only sees successful cycles")
	_, n = s.pres.latest("home")
	assert.Equal(t, 2, n)

	fail.Store(false)
	_, err = s.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, s.coord.CalendarStatus("work").State, "failed is not terminal")
}

func TestFatalIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	src := fetch.SourceFunc(func(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
		calls.Add(1)
		return fetch.PageResult{}, fetch.Fatal(errors.New("401"))
	})
	s := newStack(t, time.Now(), Config{Calendars: []model.CalendarID{"work"}, MaxAttempts: 5},
		map[model.CalendarID]fetch.Source{"work": src})

	st, err := s.coord.SyncCalendar(context.Background(), "work")
	require.Error(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, s.slept)
}

func TestRunCycleRefusesOverlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src := fetch.SourceFunc(func(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
		once.Do(func() { close(entered) })
		<-release
		return fetch.PageResult{NewToken: "T1"}, nil
	})
	s := newStack(t, time.Now(), Config{Calendars: []model.CalendarID{"work"}},
		map[model.CalendarID]fetch.Source{"work": src})

	done := make(chan error, 1)
	go func() {
		_, err := s.coord.RunCycle(context.Background())
		done <- err
	}()
	<-entered
	assert.Equal(t, StateFetching, s.coord.CalendarStatus("work").State)

	_, err := s.coord.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	st, err := s.coord.SyncCalendar(context.Background(), "work")
	assert.ErrorIs(t, err, ErrCycleInProgress, "single-calendar syncs share the cycle guard")
	assert.Equal(t, StateFetching, st.State)

	close(release)
	require.NoError(t, <-done)

	st, err = s.coord.SyncCalendar(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)
}

type countingPurger struct {
	calls  atomic.Int32
	cutoff time.Time
}

func (p *countingPurger) PurgeOlderThan(ctx context.Context, t time.Time) (int64, error) {
	p.calls.Add(1)
	p.cutoff = t
	return 3, nil
}

type emptyBuilder struct{}

func (emptyBuilder) Build(ctx context.Context, cal model.CalendarID, w model.Window) (model.Snapshot, error) {
	return model.NewSnapshot(cal, w, nil), nil
}

type okSyncer struct{}

func (okSyncer) Sync(ctx context.Context, cal model.CalendarID) (fetch.SyncOutcome, error) {
	return fetch.SyncOutcome{CalendarID: cal}, nil
}

func TestPurgeRunsAfterCycle(t *testing.T) {
	now := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	p := &countingPurger{}
	c := New(Config{Calendars: []model.CalendarID{"a", "b"}, Retention: 48 * time.Hour},
		okSyncer{}, emptyBuilder{}, p, PresenterFunc(func(model.CalendarID, model.Snapshot) {}),
		WithClock(func() time.Time { return now }))

	res, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Purged)
	assert.Equal(t, now.Add(-48*time.Hour), p.cutoff)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = c.RunCycle(ctx)
	assert.Equal(t, int32(1), p.calls.Load(), "no purge when the cycle was cancelled")
}

func TestWindowAndBackoff(t *testing.T) {
	c := New(Config{Lookback: time.Hour, Horizon: 2 * time.Hour, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second},
		okSyncer{}, emptyBuilder{}, &countingPurger{}, PresenterFunc(func(model.CalendarID, model.Snapshot) {}))

	now := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	w := c.Window(now)
	assert.Equal(t, now.Add(-time.Hour), w.Start)
	assert.Equal(t, now.Add(2*time.Hour), w.End)

	assert.Equal(t, time.Second, c.backoff(1, 0))
	assert.Equal(t, 2*time.Second, c.backoff(2, 0))
	assert.Equal(t, 4*time.Second, c.backoff(3, 0))
	assert.Equal(t, 5*time.Second, c.backoff(4, 0))
	assert.Equal(t, 5*time.Second, c.backoff(40, 0))
	assert.Equal(t, time.Minute, c.backoff(1, time.Minute))
}

func TestStatusListsConfiguredCalendars(t *testing.T) {
	c := New(Config{Calendars: []model.CalendarID{"b", "a"}},
		okSyncer{}, emptyBuilder{}, &countingPurger{}, PresenterFunc(func(model.CalendarID, model.Snapshot) {}))
	st := c.Status()
	require.Len(t, st, 2)
	assert.Equal(t, model.CalendarID("b"), st[0].CalendarID)
	assert.Equal(t, StateIdle, st[1].State)
}

func TestCyclesReuseExpansionCache(t *testing.T) {
	loc := berlin(t)
	monday := time.Date(2024, 3, 4, 10, 0, 0, 0, loc)

	st, err := store.Open(filepath.Join(t.TempDir(), "calpull.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := fetch.SourceFunc(func(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
		if req.Token != "" {
			return fetch.PageResult{NewToken: req.Token}, nil
		}
		return fetch.PageResult{NewToken: "T1", Deltas: []model.Delta{{
			Kind: model.DeltaUpsert,
			Record: model.EventRecord{
				EventID:    "standup",
				Title:      "Standup",
				Start:      model.EventTime{Time: monday},
				End:        model.EventTime{Time: monday.Add(30 * time.Minute)},
				Recurrence: &model.Recurrence{Rule: "FREQ=WEEKLY;BYDAY=MO"},
				Sequence:   1,
				Status:     model.StatusConfirmed,
			},
		}}}, nil
	})

	cache, err := recur.NewCache(16)
	require.NoError(t, err)
	locks := store.NewLocks()
	driver := fetch.NewDriver(map[model.CalendarID]fetch.Source{"work": src}, st.Tokens(), st.Events(), locks)
	builder := snapshot.NewBuilder(st.Events(), locks, cache)

	now := time.Date(2024, 3, 3, 12, 0, 0, 0, loc)
	var clockMu sync.Mutex
	pres := &recorder{}
	coord := New(Config{Calendars: []model.CalendarID{"work"}}, driver, builder, st.Events(), pres,
		WithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		}),
	)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := coord.RunCycle(ctx)
		require.NoError(t, err, "cycle %d", i)
		snap, _ := pres.latest("work")
		assert.Equal(t, 2, snap.Len(), "cycle %d", i)

		clockMu.Lock()
		now = now.Add(15 * time.Minute)
		clockMu.Unlock()
	}
	assert.Equal(t, 1, cache.Len(), "unchanged data within one day expands once")
}
