package recur

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"calpull/internal/model"
)

const defaultCacheSize = 1024

// Cache memoizes Expand results. Entries are keyed by calendar, parent id,
// the window widened to whole UTC days and a fingerprint of the parent and
// its exceptions, so cycles that start minutes apart share an entry and any
// change to the records misses the cache. The stale entry ages out of the
// LRU.
type Cache struct {
	entries *lru.Cache[cacheKey, []model.Occurrence]
}

type cacheKey struct {
	calendar    model.CalendarID
	eventID     string
	start       int64
	end         int64
	fingerprint uint64
}

// NewCache returns a memoizing expander holding up to size windows.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[cacheKey, []model.Occurrence](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Expand returns the same occurrences as Expand for w. The expansion is
// computed for the day-aligned window around w and filtered down to w.
func (c *Cache) Expand(parent model.EventRecord, exceptions []model.EventRecord, w model.Window) ([]model.Occurrence, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("recur: %w", err)
	}
	aligned := alignWindow(w)
	key := cacheKey{
		calendar:    parent.CalendarID,
		eventID:     parent.EventID,
		start:       aligned.Start.UnixNano(),
		end:         aligned.End.UnixNano(),
		fingerprint: Fingerprint(parent, exceptions),
	}
	occ, ok := c.entries.Get(key)
	if !ok {
		var err error
		occ, err = Expand(parent, exceptions, aligned)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, occ)
	}

	out := make([]model.Occurrence, 0, len(occ))
	for _, o := range occ {
		if timeRangesOverlap(o.Start, o.End, w) {
			out = append(out, o)
		}
	}
	return out, nil
}

// alignWindow widens w to midnight UTC on both ends.
func alignWindow(w model.Window) model.Window {
	start := w.Start.UTC().Truncate(24 * time.Hour)
	end := w.End.UTC().Truncate(24 * time.Hour)
	if end.Before(w.End) {
		end = end.Add(24 * time.Hour)
	}
	return model.Window{Start: start, End: end}
}

// Len reports the number of cached windows.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Fingerprint hashes every field of parent and exceptions that can change
// an expansion. Exceptions are hashed in event id order.
func Fingerprint(parent model.EventRecord, exceptions []model.EventRecord) uint64 {
	d := xxhash.New()
	writeRecord(d, parent)

	sorted := make([]model.EventRecord, len(exceptions))
	copy(sorted, exceptions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EventID < sorted[j].EventID })
	for _, ex := range sorted {
		writeRecord(d, ex)
	}
	return d.Sum64()
}

func writeRecord(d *xxhash.Digest, r model.EventRecord) {
	buf := make([]byte, 0, 128)
	buf = append(buf, r.EventID...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, r.Sequence, 10)
	buf = append(buf, 0)
	buf = append(buf, string(r.Status)...)
	buf = append(buf, 0)
	buf = append(buf, r.Title...)
	buf = append(buf, 0)
	buf = appendTime(buf, r.Start.Time, r.Start.AllDay)
	buf = appendTime(buf, r.End.Time, r.End.AllDay)
	buf = appendTime(buf, r.OriginalStart, false)
	buf = append(buf, r.RecurringEventID...)
	buf = append(buf, 0)
	if r.Recurrence != nil {
		buf = append(buf, r.Recurrence.Rule...)
		buf = append(buf, 0)
		for _, ex := range r.Recurrence.ExDates {
			buf = strconv.AppendInt(buf, ex.UnixNano(), 10)
			buf = append(buf, ',')
		}
	}
	buf = append(buf, 0xff)
	_, _ = d.Write(buf)
}

func appendTime(buf []byte, t time.Time, allDay bool) []byte {
	if t.IsZero() {
		return append(buf, '-', 0)
	}
	buf = strconv.AppendInt(buf, t.UnixNano(), 10)
	buf = append(buf, '/')
	buf = append(buf, t.Location().String()...)
	if allDay {
		buf = append(buf, 'D')
	}
	return append(buf, 0)
}
