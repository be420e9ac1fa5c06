package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "calpull/internal/log"
	"calpull/internal/model"
	"calpull/internal/store"
)

const (
	defaultPageTimeout = 30 * time.Second
	defaultMaxPages    = 1000
)

// Tokens is the token side of the store.
type Tokens interface {
	Get(ctx context.Context, cal model.CalendarID) (string, bool, error)
	Set(ctx context.Context, cal model.CalendarID, token string) error
	Invalidate(ctx context.Context, cal model.CalendarID) error
}

// Events is the write side of the event store.
type Events interface {
	ApplyBatch(ctx context.Context, cal model.CalendarID, fn func(*store.Batch) error) error
}

// Locker serializes writers per calendar.
type Locker interface {
	Lock(cal model.CalendarID) func()
}

// SyncOutcome summarizes one Sync.
type SyncOutcome struct {
	CalendarID model.CalendarID
	// Full is true when the final pass ran without a token.
	Full bool
	// Restarted is true when an invalidated token forced a full resync.
	Restarted bool
	Pages     int
	Applied   int
	Discarded int
	Skipped   int
	Swept     int64
	Token     string
}

// Driver pulls pages from a Source and merges them into the store.
type Driver struct {
	sources     map[model.CalendarID]Source
	tokens      Tokens
	events      Events
	locks       Locker
	pageTimeout time.Duration
	maxPages    int
}

// Option configures a Driver.
type Option func(*Driver)

// WithPageTimeout bounds each FetchPage call. A page that times out fails the
// sync as transient; it never invalidates the token.
func WithPageTimeout(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.pageTimeout = d
		}
	}
}

// WithMaxPages bounds the pages fetched by one listing.
func WithMaxPages(n int) Option {
	return func(dr *Driver) {
		if n > 0 {
			dr.maxPages = n
		}
	}
}

func NewDriver(sources map[model.CalendarID]Source, tokens Tokens, events Events, locks Locker, opts ...Option) *Driver {
	d := &Driver{
		sources:     sources,
		tokens:      tokens,
		events:      events,
		locks:       locks,
		pageTimeout: defaultPageTimeout,
		maxPages:    defaultMaxPages,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sync brings the store for cal up to date with the remote.
//
// Without a stored token it runs a full listing. Each page is applied in its
// own transaction under the calendar's write lock, so an interrupted sync
// leaves the store as of the last complete page; reapplying pages is
// harmless because merges are idempotent. The new token is committed only
// after the final page. A rejected token is cleared and the sync restarts as
// a full listing, at most once per call.
func (d *Driver) Sync(ctx context.Context, cal model.CalendarID) (SyncOutcome, error) {
	out := SyncOutcome{CalendarID: cal}
	src, ok := d.sources[cal]
	if !ok {
		return out, withCalendar(cal, Fatal(errors.New("no source configured")))
	}

	for {
		err := d.listing(ctx, cal, src, &out)
		if err == nil {
			return out, nil
		}
		if KindOf(err) != KindTokenInvalid {
			return out, withCalendar(cal, err)
		}
		if out.Restarted {
			return out, withCalendar(cal, Fatal(fmt.Errorf("sync token rejected twice: %w", err)))
		}

		appLog.Warn("sync token rejected, restarting full sync", "calendar", cal, "err", err.Error())
		if err := d.tokens.Invalidate(ctx, cal); err != nil {
			return out, withCalendar(cal, fmt.Errorf("invalidate token: %w", err))
		}
		out.Restarted = true
	}
}

func (d *Driver) listing(ctx context.Context, cal model.CalendarID, src Source, out *SyncOutcome) error {
	token, ok, err := d.tokens.Get(ctx, cal)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	out.Full = !ok
	if !ok {
		token = ""
	}

	var (
		cursor string
		seen   = make(map[string]struct{})
	)
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if page >= d.maxPages {
			return Fatal(fmt.Errorf("listing exceeded %d pages", d.maxPages))
		}

		res, err := d.fetchPage(ctx, src, PageRequest{CalendarID: cal, Token: token, Cursor: cursor})
		if err != nil {
			return err
		}
		out.Pages++

		last := res.NextCursor == ""
		sweep := last && (out.Full || res.Complete)
		if err := d.applyPage(ctx, cal, res.Deltas, seen, sweep, out); err != nil {
			return err
		}

		if last {
			if err := d.tokens.Set(ctx, cal, res.NewToken); err != nil {
				return fmt.Errorf("commit token: %w", err)
			}
			out.Token = res.NewToken
			appLog.Debug("sync complete",
				"calendar", cal,
				"full", out.Full,
				"pages", out.Pages,
				"applied", out.Applied,
				"discarded", out.Discarded,
				"skipped", out.Skipped,
				"swept", out.Swept,
			)
			return nil
		}
		if res.NextCursor == cursor {
			return Fatal(fmt.Errorf("source repeated cursor %q", cursor))
		}
		cursor = res.NextCursor
	}
}

func (d *Driver) fetchPage(ctx context.Context, src Source, req PageRequest) (PageResult, error) {
	pctx, cancel := context.WithTimeout(ctx, d.pageTimeout)
	defer cancel()

	res, err := src.FetchPage(pctx, req)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return PageResult{}, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return PageResult{}, Transient(fmt.Errorf("page request timed out after %s: %w", d.pageTimeout, err), 0)
	}
	return PageResult{}, err
}

func (d *Driver) applyPage(ctx context.Context, cal model.CalendarID, deltas []model.Delta, seen map[string]struct{}, sweep bool, out *SyncOutcome) error {
	unlock := d.locks.Lock(cal)
	defer unlock()

	var (
		applied, discarded, skipped int
		swept                       int64
		pageSeen                    []string
	)
	err := d.events.ApplyBatch(ctx, cal, func(b *store.Batch) error {
		for _, delta := range deltas {
			rec := delta.Record
			if rec.CalendarID == "" {
				rec.CalendarID = cal
			}
			// A malformed record still counts as listed; the sweep must not
			// cancel its last good version.
			if rec.EventID != "" {
				pageSeen = append(pageSeen, rec.EventID)
			}
			if err := validate(cal, delta.Kind, rec); err != nil {
				skipped++
				appLog.Warn("skipping malformed delta", "calendar", cal, "event", rec.EventID, "err", err.Error())
				continue
			}

			ok, err := apply(ctx, b, delta.Kind, rec)
			if err != nil {
				return err
			}
			if ok {
				applied++
			} else {
				discarded++
			}
		}

		if sweep {
			all := make(map[string]struct{}, len(seen)+len(pageSeen))
			for id := range seen {
				all[id] = struct{}{}
			}
			for _, id := range pageSeen {
				all[id] = struct{}{}
			}
			n, err := b.SweepUnseen(ctx, all)
			if err != nil {
				return err
			}
			swept = n
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("apply page: %w", err)
	}

	for _, id := range pageSeen {
		seen[id] = struct{}{}
	}
	out.Applied += applied
	out.Discarded += discarded
	out.Skipped += skipped
	out.Swept += swept
	return nil
}

func validate(cal model.CalendarID, kind model.DeltaKind, rec model.EventRecord) error {
	if rec.CalendarID != cal {
		return fmt.Errorf("%w: record for calendar %s in listing of %s", model.ErrMalformed, rec.CalendarID, cal)
	}
	switch kind {
	case model.DeltaUpsert:
		return rec.Validate()
	case model.DeltaCancel:
		if rec.EventID == "" {
			return fmt.Errorf("%w: cancel without event id", model.ErrMalformed)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown delta kind %d", model.ErrMalformed, kind)
	}
}

// apply writes one validated delta. Cancelling a single occurrence is stored
// as a cancelled exception record so the expander can drop that slot.
func apply(ctx context.Context, b *store.Batch, kind model.DeltaKind, rec model.EventRecord) (bool, error) {
	if kind == model.DeltaUpsert {
		return b.Upsert(ctx, rec)
	}
	if rec.RecurringEventID != "" && !rec.OriginalStart.IsZero() {
		rec.Status = model.StatusCancelled
		return b.Upsert(ctx, rec)
	}
	return b.Tombstone(ctx, rec.EventID, rec.Sequence)
}
