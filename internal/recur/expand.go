package recur

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calpull/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ErrNotRecurring is returned when Expand is handed a record without a rule.
var ErrNotRecurring = errors.New("recur: event has no recurrence rule")

// Func adapts a plain function to the Expander shape used by the snapshot
// builder, in the manner of http.HandlerFunc.
type Func func(parent model.EventRecord, exceptions []model.EventRecord, w model.Window) ([]model.Occurrence, error)

func (f Func) Expand(parent model.EventRecord, exceptions []model.EventRecord, w model.Window) ([]model.Occurrence, error) {
	return f(parent, exceptions, w)
}

// Expand produces the occurrences of a recurring parent that intersect w.
//
// The rule is stepped in the parent's own location, so a 09:00 daily event
// stays at 09:00 local across DST changes. EXDATEs remove candidates;
// exceptions are matched on OriginalStart: cancelled ones drop the
// occurrence, others replace start/end/title. An exception whose modified
// span moves into w from a slot outside w is included as well.
//
// Expand has no side effects; the output is sorted by effective start.
func Expand(parent model.EventRecord, exceptions []model.EventRecord, w model.Window) ([]model.Occurrence, error) {
	if !parent.IsRecurring() {
		return nil, ErrNotRecurring
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("recur: %w", err)
	}
	if parent.IsCancelled() {
		return []model.Occurrence{}, nil
	}

	set, err := ruleSet(parent)
	if err != nil {
		return nil, err
	}

	span := searchSpan(parent)
	overrides := indexExceptions(parent.EventID, exceptions)

	// Between is inclusive on both ends; the window end is filtered below.
	starts := set.Between(w.Start.Add(-span), w.End, true)
	if len(starts) > defaultMaxOccurrencesPerEvent {
		starts = starts[:defaultMaxOccurrencesPerEvent]
	}

	out := make([]model.Occurrence, 0, len(starts))
	generated := make(map[int64]struct{}, len(starts))

	for _, slot := range starts {
		if !slot.Before(w.End) {
			continue
		}
		key := slot.UnixMicro()
		generated[key] = struct{}{}

		occ, ok := makeOccurrence(parent, slot, overrides[key])
		if ok && timeRangesOverlap(occ.Start, occ.End, w) {
			out = append(out, occ)
		}
	}

	// Exceptions moved into the window from a slot outside of it.
	for key, ex := range overrides {
		if _, ok := generated[key]; ok || ex.IsCancelled() || !ex.Intersects(w) {
			continue
		}
		slot := ex.OriginalStart.In(parent.Start.Time.Location())
		if !isOccurrence(set, slot) {
			continue
		}
		if occ, ok := makeOccurrence(parent, slot, ex); ok {
			out = append(out, occ)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// LastEnd returns the end of the final occurrence of a record. The second
// result is false for open-ended rules, which never finish.
func LastEnd(rec model.EventRecord) (time.Time, bool, error) {
	if !rec.IsRecurring() {
		if rec.End.IsZero() {
			return rec.Start.Time, !rec.Start.IsZero(), nil
		}
		return rec.End.Time, true, nil
	}

	opt, err := parseRule(rec)
	if err != nil {
		return time.Time{}, false, err
	}
	if opt.Count == 0 && opt.Until.IsZero() {
		return time.Time{}, false, nil
	}

	set, err := ruleSet(rec)
	if err != nil {
		return time.Time{}, false, err
	}
	all := set.All()
	if len(all) == 0 {
		return rec.End.Time, true, nil
	}
	return occurrenceEnd(rec, all[len(all)-1]), true, nil
}

func parseRule(rec model.EventRecord) (*rrule.ROption, error) {
	loc := rec.Start.Time.Location()
	raw := strings.TrimPrefix(strings.TrimSpace(rec.Recurrence.Rule), "RRULE:")
	opt, err := rrule.StrToROptionInLocation(raw, loc)
	if err != nil {
		return nil, fmt.Errorf("recur: parse rule %q for %s: %w", rec.Recurrence.Rule, rec.EventID, err)
	}
	opt.Dtstart = rec.Start.Time
	return opt, nil
}

func ruleSet(rec model.EventRecord) (*rrule.Set, error) {
	opt, err := parseRule(rec)
	if err != nil {
		return nil, err
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("recur: build rule for %s: %w", rec.EventID, err)
	}

	loc := rec.Start.Time.Location()
	var set rrule.Set
	set.RRule(r)
	for _, ex := range rec.Recurrence.ExDates {
		set.ExDate(ex.In(loc))
	}
	return &set, nil
}

// searchSpan is how far before the window start an occurrence may begin and
// still overlap the window.
func searchSpan(parent model.EventRecord) time.Duration {
	if parent.Start.AllDay {
		// Wall-clock days can be 25h long around DST changes.
		return time.Duration(allDayLength(parent))*24*time.Hour + time.Hour
	}
	if parent.End.IsZero() {
		return 0
	}
	return parent.End.Time.Sub(parent.Start.Time)
}

// allDayLength is the number of calendar days an all-day parent spans.
func allDayLength(parent model.EventRecord) int {
	if parent.End.IsZero() {
		return 1
	}
	s := parent.Start.Time
	e := parent.End.Time.In(s.Location())
	sd := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
	ed := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
	days := int(ed.Sub(sd).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}

func occurrenceEnd(parent model.EventRecord, slot time.Time) time.Time {
	if parent.Start.AllDay {
		return slot.AddDate(0, 0, allDayLength(parent))
	}
	if parent.End.IsZero() {
		return slot
	}
	return slot.Add(parent.End.Time.Sub(parent.Start.Time))
}

// indexExceptions keys a parent's exceptions by original start; the highest
// sequence wins when a slot has more than one.
func indexExceptions(parentID string, exceptions []model.EventRecord) map[int64]model.EventRecord {
	out := make(map[int64]model.EventRecord, len(exceptions))
	for _, ex := range exceptions {
		if ex.RecurringEventID != parentID || ex.OriginalStart.IsZero() {
			continue
		}
		key := ex.OriginalStart.UnixMicro()
		if cur, ok := out[key]; ok && cur.Sequence >= ex.Sequence {
			continue
		}
		out[key] = ex
	}
	return out
}

func isOccurrence(set *rrule.Set, slot time.Time) bool {
	for _, t := range set.Between(slot, slot, true) {
		if t.Equal(slot) {
			return true
		}
	}
	return false
}

// makeOccurrence builds the occurrence for one rule slot, applying the
// exception for that slot if there is one. ok is false when the exception
// cancels the slot.
func makeOccurrence(parent model.EventRecord, slot time.Time, ex model.EventRecord) (model.Occurrence, bool) {
	occ := model.Occurrence{
		CalendarID:    parent.CalendarID,
		EventID:       parent.EventID,
		InstanceID:    parent.EventID,
		OriginalStart: slot,
		Start:         slot,
		End:           occurrenceEnd(parent, slot),
		AllDay:        parent.Start.AllDay,
		Title:         parent.Title,
		Status:        model.StatusConfirmed,
		Recurring:     true,
	}
	if ex.EventID == "" {
		return occ, true
	}
	if ex.IsCancelled() {
		return occ, false
	}

	occ.InstanceID = ex.EventID
	if !ex.Start.IsZero() {
		dur := occ.End.Sub(occ.Start)
		occ.Start = ex.Start.Time
		occ.AllDay = ex.Start.AllDay
		if ex.End.IsZero() {
			occ.End = occ.Start.Add(dur)
		} else {
			occ.End = ex.End.Time
		}
	}
	if ex.Title != "" {
		occ.Title = ex.Title
	}
	return occ, true
}

func timeRangesOverlap(start, end time.Time, w model.Window) bool {
	if !end.After(start) {
		return w.Contains(start)
	}
	return start.Before(w.End) && end.After(w.Start)
}
