// Package snapshot builds the time-ordered occurrence view of a calendar.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"

	appLog "calpull/internal/log"
	"calpull/internal/model"
)

// Reader is the read side of the event store.
type Reader interface {
	QueryWindow(ctx context.Context, cal model.CalendarID, start, end time.Time) ([]model.EventRecord, error)
}

// Locker guards reads against a page being applied concurrently.
type Locker interface {
	RLock(cal model.CalendarID) func()
}

// Expander turns a recurring parent and its exceptions into occurrences.
type Expander interface {
	Expand(parent model.EventRecord, exceptions []model.EventRecord, w model.Window) ([]model.Occurrence, error)
}

// Builder assembles snapshots from the store.
type Builder struct {
	events   Reader
	locks    Locker
	expander Expander
}

func NewBuilder(events Reader, locks Locker, expander Expander) *Builder {
	return &Builder{events: events, locks: locks, expander: expander}
}

// Build returns the snapshot of cal for w.
//
// The store is read under the calendar's read lock, so the snapshot reflects
// whole pages only. Cancelled records and cancelled series are dropped,
// recurring parents are expanded with their exceptions, and the result is
// sorted by start and de-duplicated by series id and original start. Two
// builds over the same store contents produce equal snapshots.
//
// A parent whose rule cannot be expanded is logged and left out.
func (b *Builder) Build(ctx context.Context, cal model.CalendarID, w model.Window) (model.Snapshot, error) {
	if err := w.Validate(); err != nil {
		return model.Snapshot{}, fmt.Errorf("build snapshot %s: %w", cal, err)
	}

	unlock := b.locks.RLock(cal)
	records, err := b.events.QueryWindow(ctx, cal, w.Start, w.End)
	unlock()
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("build snapshot %s: %w", cal, err)
	}

	var (
		parents    []model.EventRecord
		direct     []model.EventRecord
		exceptions = make(map[string][]model.EventRecord)
		known      = make(map[string]bool)
	)
	for _, rec := range records {
		switch {
		case rec.IsException():
			exceptions[rec.RecurringEventID] = append(exceptions[rec.RecurringEventID], rec)
		case rec.IsRecurring():
			parents = append(parents, rec)
			known[rec.EventID] = true
		default:
			direct = append(direct, rec)
		}
	}

	var occ []model.Occurrence
	for _, rec := range direct {
		if rec.IsCancelled() || !rec.Intersects(w) {
			continue
		}
		occ = append(occ, single(rec, rec.EventID, rec.Start.Time, false))
	}

	for _, parent := range parents {
		if err := ctx.Err(); err != nil {
			return model.Snapshot{}, err
		}
		if parent.IsCancelled() {
			continue
		}
		expanded, err := b.expander.Expand(parent, exceptions[parent.EventID], w)
		if err != nil {
			appLog.Warn("skipping unexpandable event",
				"calendar", cal,
				"event", parent.EventID,
				"err", fmt.Errorf("%w: %v", model.ErrMalformed, err).Error(),
			)
			continue
		}
		occ = append(occ, expanded...)
	}

	// Exceptions whose series is not stored stand on their own.
	for parentID, exs := range exceptions {
		if known[parentID] {
			continue
		}
		for _, ex := range exs {
			if ex.IsCancelled() || !ex.Intersects(w) {
				continue
			}
			occ = append(occ, single(ex, parentID, ex.OriginalStart, true))
		}
	}

	return model.NewSnapshot(cal, w, dedup(occ)), nil
}

func single(rec model.EventRecord, seriesID string, originalStart time.Time, recurring bool) model.Occurrence {
	return model.Occurrence{
		CalendarID:    rec.CalendarID,
		EventID:       seriesID,
		InstanceID:    rec.EventID,
		OriginalStart: originalStart,
		Start:         rec.Start.Time,
		End:           rec.End.Time,
		AllDay:        rec.Start.AllDay,
		Title:         rec.Title,
		Status:        rec.Status,
		Recurring:     recurring,
	}
}

// dedup keeps the first occurrence per key in snapshot order, breaking ties
// on instance id.
func dedup(occ []model.Occurrence) []model.Occurrence {
	sort.SliceStable(occ, func(i, j int) bool {
		if occ[i].Less(occ[j]) {
			return true
		}
		if occ[j].Less(occ[i]) {
			return false
		}
		return occ[i].InstanceID < occ[j].InstanceID
	})

	seen := make(map[string]struct{}, len(occ))
	out := occ[:0]
	for _, o := range occ {
		k := o.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, o)
	}
	return out
}
