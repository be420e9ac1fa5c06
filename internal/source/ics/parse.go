package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calpull/internal/log"
	"calpull/internal/model"
	"calpull/internal/recur"
)

// Parse turns an ICS payload into one delta per VEVENT.
//
// A VEVENT with RECURRENCE-ID becomes an exception of the series sharing its
// UID, with event id "UID/RECURRENCE-ID". STATUS:CANCELLED becomes a cancel
// delta. VEVENTs that cannot be read are still returned so the fetch driver
// can count and skip them.
func Parse(cal model.CalendarID, body []byte, loc *time.Location) ([]model.Delta, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.UTC
	}

	parsed, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	events := parsed.Events()
	deltas := make([]model.Delta, 0, len(events))
	for _, ve := range events {
		d, err := parseVEvent(cal, ve, loc)
		if err != nil {
			appLog.Warn("ics vevent parse failed", "calendar", cal, "uid", d.Record.EventID, "err", err.Error())
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

// parseVEvent always returns a delta; on error the record is incomplete and
// fails validation downstream.
func parseVEvent(cal model.CalendarID, ve *ical.VEvent, loc *time.Location) (model.Delta, error) {
	rec := model.EventRecord{CalendarID: cal, Status: model.StatusConfirmed}
	d := model.Delta{Kind: model.DeltaUpsert}

	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		d.Record = rec
		return d, errors.New("missing UID")
	}
	rec.EventID = uid
	rec.Title = propValue(ve, ical.ComponentPropertySummary)
	rec.Sequence = sequence(ve)

	if strings.EqualFold(propValue(ve, "STATUS"), "CANCELLED") {
		d.Kind = model.DeltaCancel
		rec.Status = model.StatusCancelled
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		orig, _, err := recur.ParseTime(rid.Value, param(rid, "TZID"), loc)
		if err != nil {
			d.Record = rec
			return d, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		rec.EventID = uid + "/" + rid.Value
		rec.RecurringEventID = uid
		rec.OriginalStart = orig
	}

	start, err := eventTime(ve.GetProperty(ical.ComponentPropertyDtStart), loc)
	if err != nil {
		d.Record = rec
		return d, fmt.Errorf("DTSTART: %w", err)
	}
	rec.Start = start

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		end, err := eventTime(ve.GetProperty(ical.ComponentPropertyDtEnd), loc)
		if err != nil {
			d.Record = rec
			return d, fmt.Errorf("DTEND: %w", err)
		}
		rec.End = end
	case propValue(ve, "DURATION") != "":
		dur, err := parseDuration(propValue(ve, "DURATION"))
		if err != nil {
			d.Record = rec
			return d, fmt.Errorf("DURATION: %w", err)
		}
		rec.End = model.EventTime{Time: start.Time.Add(dur), AllDay: start.AllDay}
	case start.AllDay:
		rec.End = model.EventTime{Time: start.Time.AddDate(0, 0, 1), AllDay: true}
	default:
		rec.End = start
	}

	if rr := propValue(ve, ical.ComponentPropertyRrule); rr != "" && rec.RecurringEventID == "" {
		lines := []string{"RRULE:" + rr}
		for _, ex := range ve.GetProperties(ical.ComponentPropertyExdate) {
			line := "EXDATE"
			if tz := param(ex, "TZID"); tz != "" {
				line += ";TZID=" + tz
			}
			lines = append(lines, line+":"+ex.Value)
		}
		rec.Recurrence, err = recur.ParseRecurrence(lines, start.Time.Location())
		if err != nil {
			// Without a start the record fails validation and is skipped.
			rec.Recurrence = nil
			rec.Start = model.EventTime{}
			d.Record = rec
			return d, err
		}
	}

	d.Record = rec
	return d, nil
}

func eventTime(p *ical.IANAProperty, loc *time.Location) (model.EventTime, error) {
	if p == nil || strings.TrimSpace(p.Value) == "" {
		return model.EventTime{}, errors.New("missing value")
	}
	t, allDay, err := recur.ParseTime(p.Value, param(p, "TZID"), loc)
	if err != nil {
		return model.EventTime{}, err
	}
	if strings.EqualFold(param(p, "VALUE"), "DATE") {
		allDay = true
	}
	return model.EventTime{Time: t, AllDay: allDay}, nil
}

// sequence orders versions of one event: LAST-MODIFIED, else DTSTAMP, else
// SEQUENCE. Many feeds never bump SEQUENCE on edits.
func sequence(ve *ical.VEvent) int64 {
	for _, name := range []ical.ComponentProperty{"LAST-MODIFIED", "DTSTAMP"} {
		if v := propValue(ve, name); v != "" {
			if t, _, err := recur.ParseTime(v, "", time.UTC); err == nil {
				return t.UnixMicro()
			}
		}
	}
	if n, err := strconv.ParseInt(propValue(ve, ical.ComponentPropertySequence), 10, 64); err == nil {
		return n
	}
	return 0
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if vs := p.ICalParameters[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseDuration reads an RFC 5545 duration such as "PT1H30M", "P1D" or
// "P2W". Negative durations are rejected.
func parseDuration(v string) (time.Duration, error) {
	s := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(v)), "+")
	if strings.HasPrefix(s, "-") || !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("unsupported duration %q", v)
	}
	s = s[1:]

	var (
		total  time.Duration
		inTime bool
		num    strings.Builder
	)
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num.WriteRune(r)
		default:
			n, err := strconv.Atoi(num.String())
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			num.Reset()
			unit, ok := durationUnit(r, inTime)
			if !ok {
				return 0, fmt.Errorf("invalid duration unit %q in %q", r, v)
			}
			total += time.Duration(n) * unit
		}
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return total, nil
}

func durationUnit(r rune, inTime bool) (time.Duration, bool) {
	if inTime {
		switch r {
		case 'H':
			return time.Hour, true
		case 'M':
			return time.Minute, true
		case 'S':
			return time.Second, true
		}
		return 0, false
	}
	switch r {
	case 'W':
		return 7 * 24 * time.Hour, true
	case 'D':
		return 24 * time.Hour, true
	}
	return 0, false
}
