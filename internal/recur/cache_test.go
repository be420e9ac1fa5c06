package recur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calpull/internal/model"
)

func TestCacheMemoizesAndInvalidatesOnChange(t *testing.T) {
	c, err := NewCache(8)
	require.NoError(t, err)

	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	parent := recurring("weekly", start, start.Add(30*time.Minute), "FREQ=WEEKLY")
	w := model.Window{Start: start, End: start.AddDate(0, 0, 14)}

	first, err := c.Expand(parent, nil, w)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, c.Len())

	// Mutating the returned slice must not leak into the cache.
	first[0].Title = "scribbled"
	again, err := c.Expand(parent, nil, w)
	require.NoError(t, err)
	assert.Equal(t, "Standup", again[0].Title)
	assert.Equal(t, 1, c.Len())

	// A new exception changes the fingerprint.
	ex := model.EventRecord{EventID: "weekly_2", Sequence: 2, Status: model.StatusCancelled, RecurringEventID: "weekly", OriginalStart: start.AddDate(0, 0, 7)}
	withEx, err := c.Expand(parent, []model.EventRecord{ex}, w)
	require.NoError(t, err)
	assert.Len(t, withEx, 1)
	assert.Equal(t, 2, c.Len())

	// So does a parent edit.
	parent.Title = "Retro"
	renamed, err := c.Expand(parent, []model.EventRecord{ex}, w)
	require.NoError(t, err)
	require.Len(t, renamed, 1)
	assert.Equal(t, "Retro", renamed[0].Title)
}

func TestFingerprintIgnoresExceptionOrder(t *testing.T) {
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	parent := recurring("weekly", start, start.Add(30*time.Minute), "FREQ=WEEKLY")
	a := model.EventRecord{EventID: "a", Sequence: 1, RecurringEventID: "weekly", OriginalStart: start}
	b := model.EventRecord{EventID: "b", Sequence: 1, RecurringEventID: "weekly", OriginalStart: start.AddDate(0, 0, 7)}

	assert.Equal(t, Fingerprint(parent, []model.EventRecord{a, b}), Fingerprint(parent, []model.EventRecord{b, a}))

	b.Sequence = 2
	assert.NotEqual(t, Fingerprint(parent, []model.EventRecord{a}), Fingerprint(parent, []model.EventRecord{a, b}))
}

func TestCacheSharesEntryAcrossShiftedWindows(t *testing.T) {
	c, err := NewCache(8)
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	parent := recurring("daily", start, start.Add(30*time.Minute), "FREQ=DAILY")
	ex := model.EventRecord{
		EventID:          "daily_moved",
		Sequence:         2,
		Status:           model.StatusConfirmed,
		RecurringEventID: "daily",
		OriginalStart:    time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC),
		Start:            model.EventTime{Time: time.Date(2024, 3, 4, 12, 5, 0, 0, time.UTC)},
		End:              model.EventTime{Time: time.Date(2024, 3, 4, 12, 20, 0, 0, time.UTC)},
	}
	exceptions := []model.EventRecord{ex}

	base := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	for i, shift := range []time.Duration{0, 15 * time.Minute, 30 * time.Minute, -2*time.Hour - 45*time.Minute} {
		w := model.Window{Start: base.Add(shift), End: base.Add(shift).AddDate(0, 0, 3)}

		got, err := c.Expand(parent, exceptions, w)
		require.NoError(t, err)
		want, err := Expand(parent, exceptions, w)
		require.NoError(t, err)
		assert.Equal(t, occurrenceKeys(want), occurrenceKeys(got), "window %d", i)
		assert.Equal(t, 1, c.Len(), "window %d reuses the day-aligned entry", i)
	}

	// The next day is a new entry.
	next := base.AddDate(0, 0, 1)
	_, err = c.Expand(parent, exceptions, model.Window{Start: next, End: next.AddDate(0, 0, 3)})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, err = c.Expand(parent, nil, model.Window{Start: base, End: base})
	assert.Error(t, err)
}

func occurrenceKeys(occ []model.Occurrence) []string {
	out := make([]string, 0, len(occ))
	for _, o := range occ {
		out = append(out, o.InstanceID+"@"+o.Start.UTC().Format(time.RFC3339)+"-"+o.End.UTC().Format(time.RFC3339))
	}
	return out
}
