package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// Event is one VEVENT with its times resolved. Recurring events keep their
// rule unexpanded.
type Event struct {
	Source Source

	UID         string
	Summary     string
	Description string
	Location    string

	Start, End time.Time
	AllDay     bool

	RRule   string
	ExDates []time.Time
	// RecurrenceID is set on a VEVENT that replaces one instance of the
	// recurring event with the same UID.
	RecurrenceID *time.Time
}

// Calendar is the result of parsing one source.
type Calendar struct {
	Source Source
	Events []Event
	// Skipped holds one error per VEVENT that could not be used.
	Skipped []error
}

// Parse reads an iCalendar payload. Floating times and dates are placed in
// loc.
func Parse(src Source, body []byte, loc *time.Location) (Calendar, error) {
	out := Calendar{Source: src}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, errors.New("ics: empty calendar body")
	}
	if loc == nil {
		loc = time.Local
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("ics: parse: %w", err)
	}
	for i, ve := range cal.Events() {
		ev, err := parseEvent(src, ve, loc)
		if err != nil {
			out.Skipped = append(out.Skipped, fmt.Errorf("vevent %d: %w", i, err))
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func parseEvent(src Source, ve *ical.VEvent, loc *time.Location) (Event, error) {
	ev := Event{Source: src}

	p := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if p == nil || p.Value == "" {
		return ev, errors.New("missing UID")
	}
	ev.UID = p.Value
	ev.Summary = propValue(ve, ical.ComponentPropertySummary)
	ev.Description = propValue(ve, ical.ComponentPropertyDescription)
	ev.Location = propValue(ve, ical.ComponentPropertyLocation)

	start := ve.GetProperty(ical.ComponentPropertyDtStart)
	if start == nil {
		return ev, errors.New("missing DTSTART")
	}
	var err error
	if ev.Start, ev.AllDay, err = parseTime(start.Value, start.ICalParameters, loc); err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}

	switch end := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case end != nil:
		if ev.End, _, err = parseTime(end.Value, end.ICalParameters, loc); err != nil {
			return ev, fmt.Errorf("DTEND: %w", err)
		}
	case ev.AllDay:
		ev.End = ev.Start.AddDate(0, 0, 1)
	default:
		ev.End = ev.Start
	}
	if ev.End.Before(ev.Start) {
		return ev, fmt.Errorf("DTEND %s before DTSTART %s", ev.End, ev.Start)
	}

	ev.RRule = propValue(ve, ical.ComponentPropertyRrule)
	for _, ex := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, v := range strings.Split(ex.Value, ",") {
			if v = strings.TrimSpace(v); v == "" {
				continue
			}
			t, _, err := parseTime(v, ex.ICalParameters, loc)
			if err != nil {
				return ev, fmt.Errorf("EXDATE: %w", err)
			}
			ev.ExDates = append(ev.ExDates, t)
		}
	}
	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		t, _, err := parseTime(rid.Value, rid.ICalParameters, loc)
		if err != nil {
			return ev, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		ev.RecurrenceID = &t
	}
	return ev, nil
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

// parseTime reads a DATE or DATE-TIME value. UTC values end in Z, TZID
// selects a zone and anything else is floating in loc. The bool reports a
// DATE.
func parseTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if vs := params["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}
	if tz := params["TZID"]; len(tz) > 0 {
		if l, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, false, err
}
