package model

import (
	"errors"
	"fmt"
	"time"
)

// CalendarID identifies a source calendar. Assigned by configuration.
type CalendarID string

// Status is the lifecycle state of an EventRecord.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// EventTime is a start or end instant. Time always carries the event's own
// location; all-day values are midnight of the date in that location.
type EventTime struct {
	Time   time.Time
	AllDay bool
}

// IsZero reports whether no instant is set.
func (t EventTime) IsZero() bool {
	return t.Time.IsZero()
}

// Recurrence describes a repeating event. Rule is an RFC 5545 RRULE value
// such as "FREQ=WEEKLY;BYDAY=MO"; ExDates are explicit exclusion instants.
type Recurrence struct {
	Rule    string
	ExDates []time.Time
}

// EventRecord is the latest known state of one event, unique per
// (CalendarID, EventID).
type EventRecord struct {
	CalendarID CalendarID
	EventID    string

	Title string
	Start EventTime
	End   EventTime

	Recurrence *Recurrence

	// Sequence orders writes for the same EventID; higher wins.
	Sequence int64
	Status   Status

	// RecurringEventID and OriginalStart mark this record as an exception
	// overriding (or cancelling) one occurrence of a recurring parent.
	RecurringEventID string
	OriginalStart    time.Time

	// UpdatedAt is when the local store last applied this record.
	UpdatedAt time.Time
}

// IsRecurring reports whether the record is a recurring parent.
func (r EventRecord) IsRecurring() bool {
	return r.Recurrence != nil && r.Recurrence.Rule != ""
}

// IsException reports whether the record overrides a single occurrence.
func (r EventRecord) IsException() bool {
	return r.RecurringEventID != ""
}

// IsCancelled reports whether the record is a tombstone.
func (r EventRecord) IsCancelled() bool {
	return r.Status == StatusCancelled
}

// Intersects reports whether [Start, End) overlaps w. A zero-length event
// intersects when its start lies inside the window.
func (r EventRecord) Intersects(w Window) bool {
	if r.Start.IsZero() {
		return false
	}
	end := r.End.Time
	if end.IsZero() || !end.After(r.Start.Time) {
		return w.Contains(r.Start.Time)
	}
	return r.Start.Time.Before(w.End) && end.After(w.Start)
}

// ErrMalformed marks a record that failed structural validation.
var ErrMalformed = errors.New("malformed event record")

// Validate performs basic structural checks on a record received from a
// remote source.
func (r EventRecord) Validate() error {
	switch {
	case r.CalendarID == "":
		return fmt.Errorf("%w: missing calendar id", ErrMalformed)
	case r.EventID == "":
		return fmt.Errorf("%w: missing event id", ErrMalformed)
	case r.Status != StatusConfirmed && r.Status != StatusCancelled:
		return fmt.Errorf("%w: event %s: unknown status %q", ErrMalformed, r.EventID, r.Status)
	case r.IsException() && r.OriginalStart.IsZero():
		return fmt.Errorf("%w: exception %s has no original start", ErrMalformed, r.EventID)
	}
	if r.Status == StatusCancelled {
		return nil
	}
	if r.Start.IsZero() {
		return fmt.Errorf("%w: event %s has no start", ErrMalformed, r.EventID)
	}
	if !r.End.IsZero() && r.End.Time.Before(r.Start.Time) {
		return fmt.Errorf("%w: event %s ends before it starts", ErrMalformed, r.EventID)
	}
	return nil
}

// DeltaKind distinguishes upserts from cancellations.
type DeltaKind int

const (
	DeltaUpsert DeltaKind = iota
	DeltaCancel
)

func (k DeltaKind) String() string {
	if k == DeltaCancel {
		return "cancel"
	}
	return "upsert"
}

// Delta is one change reported by a remote source. A cancel delta needs only
// EventID and Sequence; when it also carries RecurringEventID and
// OriginalStart it cancels a single occurrence.
type Delta struct {
	Kind   DeltaKind
	Record EventRecord
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Validate rejects empty and inverted windows.
func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("window end %s is not after start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Occurrence is one concrete instance of an event after exception overrides.
// Occurrences are derived per query window and never persisted.
type Occurrence struct {
	CalendarID CalendarID `json:"calendar_id"`
	// EventID is the series identity: the parent id for expanded and
	// exception occurrences, the record id for one-off events.
	EventID string `json:"event_id"`
	// InstanceID is the record that supplied the effective values.
	InstanceID string `json:"instance_id"`

	OriginalStart time.Time `json:"original_start"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AllDay        bool      `json:"all_day"`

	Title     string `json:"title"`
	Status    Status `json:"status"`
	Recurring bool   `json:"recurring"`
}

// Key identifies an occurrence for de-duplication.
func (o Occurrence) Key() string {
	return o.EventID + "@" + o.OriginalStart.UTC().Format(time.RFC3339Nano)
}

// Less orders occurrences by start instant, then series id, then original
// start.
func (o Occurrence) Less(other Occurrence) bool {
	if !o.Start.Equal(other.Start) {
		return o.Start.Before(other.Start)
	}
	if o.EventID != other.EventID {
		return o.EventID < other.EventID
	}
	return o.OriginalStart.Before(other.OriginalStart)
}
