package recur

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calpull/internal/model"
)

// ParseRecurrence parses RFC 5545 recurrence content lines, as delivered by
// the Google Calendar API ("RRULE:FREQ=WEEKLY;BYDAY=MO",
// "EXDATE;TZID=Europe/Berlin:20240311T100000"). Values without a TZID are
// read in loc. RDATE lines are not supported and are ignored.
//
// It returns nil when lines contain no RRULE.
func ParseRecurrence(lines []string, loc *time.Location) (*model.Recurrence, error) {
	if loc == nil {
		loc = time.UTC
	}
	var rec model.Recurrence

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, params, value, err := splitContentLine(line)
		if err != nil {
			return nil, err
		}

		switch name {
		case "RRULE":
			if _, err := rrule.StrToROptionInLocation(value, loc); err != nil {
				return nil, fmt.Errorf("recur: invalid RRULE %q: %w", value, err)
			}
			rec.Rule = value
		case "EXDATE":
			for _, part := range strings.Split(value, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				t, _, err := ParseTime(part, params["TZID"], loc)
				if err != nil {
					return nil, fmt.Errorf("recur: invalid EXDATE %q: %w", part, err)
				}
				rec.ExDates = append(rec.ExDates, t)
			}
		}
	}

	if rec.Rule == "" {
		return nil, nil
	}
	return &rec, nil
}

// splitContentLine splits "NAME;P1=V1;P2=V2:VALUE".
func splitContentLine(line string) (string, map[string]string, string, error) {
	head, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", nil, "", fmt.Errorf("recur: content line %q has no value", line)
	}
	parts := strings.Split(head, ";")
	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(p, "=")
		params[strings.ToUpper(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return strings.ToUpper(strings.TrimSpace(parts[0])), params, strings.TrimSpace(value), nil
}

// ParseTime parses an iCalendar DATE or DATE-TIME value. UTC values end in
// "Z"; floating values are read in the TZID zone, or in loc when tzid is
// empty. allDay is true for DATE values.
func ParseTime(v, tzid string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}
	if loc == nil {
		loc = time.UTC
	}
	if tzid != "" {
		zone, err := time.LoadLocation(tzid)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("unknown TZID %q: %w", tzid, err)
		}
		loc = zone
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	}

	// Date-only (all-day), e.g., 20250101
	t, err := time.ParseInLocation("20060102", v, loc)
	return t, true, err
}
