package gcal

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"calpull/internal/model"
	"calpull/internal/recur"
)

const dateLayout = "2006-01-02"

// convert maps one API event onto a delta. On error the returned record is
// incomplete and fails validation, so the driver skips it.
//
// Sequence is the "updated" stamp in microseconds: the API leaves "sequence"
// alone for edits such as a title change. Cancellations missing both stamps
// take now so they win over the last stored version.
func convert(cal model.CalendarID, item *calendar.Event, def *time.Location, now time.Time) (model.Delta, error) {
	rec := model.EventRecord{
		CalendarID:       cal,
		EventID:          item.Id,
		Title:            item.Summary,
		Status:           model.StatusConfirmed,
		RecurringEventID: item.RecurringEventId,
		Sequence:         item.Sequence,
	}
	if updated, err := time.Parse(time.RFC3339Nano, item.Updated); err == nil {
		rec.Sequence = updated.UnixMicro()
	}

	d := model.Delta{Kind: model.DeltaUpsert}
	if item.Status == "cancelled" {
		d.Kind = model.DeltaCancel
		rec.Status = model.StatusCancelled
		if item.Updated == "" && item.Sequence == 0 {
			rec.Sequence = now.UnixMicro()
		}
	}

	if item.OriginalStartTime != nil {
		orig, err := eventTime(item.OriginalStartTime, def)
		if err != nil {
			d.Record = rec
			return d, fmt.Errorf("originalStartTime: %w", err)
		}
		rec.OriginalStart = orig.Time
	}

	if d.Kind == model.DeltaCancel && item.Start == nil {
		d.Record = rec
		return d, nil
	}

	start, err := eventTime(item.Start, def)
	if err != nil {
		d.Record = rec
		return d, fmt.Errorf("start: %w", err)
	}
	rec.Start = start

	switch {
	case item.End != nil:
		end, err := eventTime(item.End, start.Time.Location())
		if err != nil {
			d.Record = rec
			return d, fmt.Errorf("end: %w", err)
		}
		rec.End = end
	case start.AllDay:
		rec.End = model.EventTime{Time: start.Time.AddDate(0, 0, 1), AllDay: true}
	default:
		rec.End = start
	}

	if len(item.Recurrence) > 0 && rec.RecurringEventID == "" {
		rec.Recurrence, err = recur.ParseRecurrence(item.Recurrence, start.Time.Location())
		if err != nil {
			rec.Recurrence = nil
			rec.Start = model.EventTime{}
			d.Record = rec
			return d, err
		}
	}

	d.Record = rec
	return d, nil
}

// eventTime reads an API date or date-time. The event's own time zone wins
// over def.
func eventTime(edt *calendar.EventDateTime, def *time.Location) (model.EventTime, error) {
	if edt == nil {
		return model.EventTime{}, errors.New("missing value")
	}
	loc := def
	if edt.TimeZone != "" {
		l, err := time.LoadLocation(edt.TimeZone)
		if err != nil {
			return model.EventTime{}, fmt.Errorf("time zone %q: %w", edt.TimeZone, err)
		}
		loc = l
	}

	switch {
	case edt.Date != "":
		t, err := time.ParseInLocation(dateLayout, edt.Date, loc)
		if err != nil {
			return model.EventTime{}, err
		}
		return model.EventTime{Time: t, AllDay: true}, nil
	case edt.DateTime != "":
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return model.EventTime{}, err
		}
		return model.EventTime{Time: t.In(loc)}, nil
	default:
		return model.EventTime{}, errors.New("neither date nor dateTime set")
	}
}
