package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Snapshot is the time-ordered view of one calendar for a window. It is
// immutable once built: the occurrence slice is private and only copied out.
type Snapshot struct {
	calendarID  CalendarID
	window      Window
	occurrences []Occurrence
}

// NewSnapshot sorts a private copy of occ and wraps it.
func NewSnapshot(cal CalendarID, w Window, occ []Occurrence) Snapshot {
	items := make([]Occurrence, len(occ))
	copy(items, occ)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Less(items[j]) })
	return Snapshot{calendarID: cal, window: w, occurrences: items}
}

func (s Snapshot) CalendarID() CalendarID { return s.calendarID }

func (s Snapshot) Window() Window { return s.window }

func (s Snapshot) Len() int { return len(s.occurrences) }

// At returns the i-th occurrence in snapshot order.
func (s Snapshot) At(i int) Occurrence { return s.occurrences[i] }

// Occurrences returns a copy of the ordered occurrences.
func (s Snapshot) Occurrences() []Occurrence {
	out := make([]Occurrence, len(s.occurrences))
	copy(out, s.occurrences)
	return out
}

// Next returns the first occurrence that has not ended at now.
func (s Snapshot) Next(now time.Time) (Occurrence, bool) {
	for _, o := range s.occurrences {
		if o.End.After(now) || (o.End.IsZero() && !o.Start.Before(now)) {
			return o, true
		}
	}
	return Occurrence{}, false
}

type snapshotJSON struct {
	CalendarID  CalendarID   `json:"calendar_id"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Occurrences []Occurrence `json:"occurrences"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	occ := s.occurrences
	if occ == nil {
		occ = []Occurrence{}
	}
	return json.Marshal(snapshotJSON{
		CalendarID:  s.calendarID,
		WindowStart: s.window.Start,
		WindowEnd:   s.window.End,
		Occurrences: occ,
	})
}
