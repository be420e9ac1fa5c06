package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/api/calendar/v3"

	"calpull/internal/config"
	"calpull/internal/coordinator"
	"calpull/internal/fetch"
	appLog "calpull/internal/log"
	"calpull/internal/model"
	"calpull/internal/recur"
	"calpull/internal/snapshot"
	"calpull/internal/source/gcal"
	"calpull/internal/source/ics"
	"calpull/internal/store"
)

// app is the wired pipeline shared by all commands.
type app struct {
	cfg     *config.Config
	store   *store.Store
	locks   *store.Locks
	driver  *fetch.Driver
	builder *snapshot.Builder
}

// newServiceFunc is swapped in tests to avoid reading Google credentials.
var newServiceFunc = func(ctx context.Context, g config.GoogleConfig) (*calendar.Service, error) {
	return gcal.NewService(ctx, gcal.Credentials{File: g.CredentialsFile, TokenFile: g.TokenFile})
}

// openApp opens the store and builds the snapshot pipeline. Sources are only
// constructed when withSources is set, so read-only commands never touch
// remote credentials.
func openApp(ctx context.Context, cfg *config.Config, withSources bool) (*app, error) {
	if dir := filepath.Dir(cfg.Database); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	expander, err := recur.NewCache(0)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: st, locks: store.NewLocks()}
	a.builder = snapshot.NewBuilder(st.Events(), a.locks, expander)

	sources := map[model.CalendarID]fetch.Source{}
	if withSources {
		sources, err = buildSources(ctx, cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	a.driver = fetch.NewDriver(sources, st.Tokens(), st.Events(), a.locks,
		fetch.WithPageTimeout(cfg.Sync.FetchTimeout),
		fetch.WithMaxPages(cfg.Sync.MaxPages),
	)
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// coordinator wires the driver, builder and store into a cycle runner.
func (a *app) coordinator(p coordinator.Presenter) *coordinator.Coordinator {
	return coordinator.New(coordinatorConfig(a.cfg), a.driver, a.builder, a.store.Events(), p)
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	cals := make([]model.CalendarID, 0, len(cfg.Calendars))
	for _, c := range cfg.Calendars {
		cals = append(cals, model.CalendarID(c.ID))
	}
	return coordinator.Config{
		Calendars:   cals,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
		Concurrency: cfg.Sync.Concurrency,
		Lookback:    cfg.Lookback(),
		Horizon:     cfg.Horizon(),
		Retention:   cfg.Retention(),
	}
}

// buildSources constructs one fetch.Source per configured calendar. All
// Google calendars share a single API client.
func buildSources(ctx context.Context, cfg *config.Config) (map[model.CalendarID]fetch.Source, error) {
	sources := make(map[model.CalendarID]fetch.Source, len(cfg.Calendars))
	var svc *calendar.Service

	classifier := gcal.Classifier{
		TokenInvalidStatus: cfg.Google.TokenInvalidStatus,
		TransientStatus:    cfg.Google.TransientStatus,
		TransientReasons:   cfg.Google.TransientReasons,
	}

	for _, c := range cfg.Calendars {
		id := model.CalendarID(c.ID)
		loc := cfg.CalendarLocation(c)

		switch c.Source {
		case config.SourceGoogle:
			if svc == nil {
				var err error
				svc, err = newServiceFunc(ctx, cfg.Google)
				if err != nil {
					return nil, fmt.Errorf("google calendar client: %w", err)
				}
			}
			src, err := gcal.New(id, c.RemoteID, svc,
				gcal.WithPageSize(cfg.Google.PageSize),
				gcal.WithRateLimit(cfg.Google.RequestsPerSecond),
				gcal.WithClassifier(classifier),
				gcal.WithLocation(loc),
			)
			if err != nil {
				return nil, fmt.Errorf("calendar %s: %w", c.ID, err)
			}
			sources[id] = src
		case config.SourceICS:
			src, err := ics.New(id, c.URL, ics.WithLocation(loc))
			if err != nil {
				return nil, fmt.Errorf("calendar %s: %w", c.ID, err)
			}
			sources[id] = src
		default:
			return nil, fmt.Errorf("calendar %s: unknown source %q", c.ID, c.Source)
		}
		appLog.Debug("source configured", "calendar", c.ID, "source", c.Source, "timezone", loc.String())
	}
	return sources, nil
}

// buildAll builds a snapshot of every configured calendar from stored data
// only.
func (a *app) buildAll(ctx context.Context, window model.Window) ([]model.Snapshot, error) {
	out := make([]model.Snapshot, 0, len(a.cfg.Calendars))
	for _, c := range a.cfg.Calendars {
		snap, err := a.builder.Build(ctx, model.CalendarID(c.ID), window)
		if err != nil {
			return out, fmt.Errorf("calendar %s: %w", c.ID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// window is the viewing window around now, matching the coordinator's.
func (a *app) window(now time.Time) model.Window {
	return model.Window{Start: now.Add(-a.cfg.Lookback()), End: now.Add(a.cfg.Horizon())}
}

func hasCalendar(cals []config.CalendarConfig, id string) bool {
	for _, c := range cals {
		if c.ID == id {
			return true
		}
	}
	return false
}
