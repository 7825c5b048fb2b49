package ics

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"pical/internal/model"
)

// maxInstances caps the expansion of one recurring event.
const maxInstances = 5000

// Expand turns events into the occurrences overlapping [from, to), in loc.
// A RECURRENCE-ID override replaces the instance it names, wherever the
// override moves it. Events that cannot be expanded are reported in errs
// and left out.
func Expand(events []Event, from, to time.Time, loc *time.Location) (occs []model.Occurrence, errs []error) {
	if loc == nil {
		loc = time.Local
	}
	overridden := make(map[string][]time.Time)
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overridden[ev.UID] = append(overridden[ev.UID], *ev.RecurrenceID)
		}
	}

	for _, ev := range events {
		if ev.RRule != "" && ev.RecurrenceID == nil {
			exp, err := expandRule(ev, overridden[ev.UID], from, to, loc)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ev.UID, err))
				continue
			}
			occs = append(occs, exp...)
			continue
		}
		if ev.RecurrenceID == nil && isOverridden(ev.Start, overridden[ev.UID]) {
			continue
		}
		if overlaps(ev.Start, ev.End, from, to) {
			occs = append(occs, occurrence(ev, ev.Start, ev.End, loc))
		}
	}
	return occs, errs
}

func expandRule(ev Event, overrides []time.Time, from, to time.Time, loc *time.Location) ([]model.Occurrence, error) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, fmt.Errorf("RRULE %q: %w", ev.RRule, err)
	}
	r.DTStart(ev.Start)
	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex)
	}
	for _, rid := range overrides {
		set.ExDate(rid)
	}

	// Instances starting before from can still overlap it.
	dur := ev.End.Sub(ev.Start)
	starts := set.Between(from.Add(-dur), to, true)
	if len(starts) > maxInstances {
		return nil, fmt.Errorf("more than %d instances in range", maxInstances)
	}

	var out []model.Occurrence
	for _, s := range starts {
		end := s.Add(dur)
		if ev.AllDay {
			// Whole days survive DST changes.
			end = s.AddDate(0, 0, int(dur.Round(24*time.Hour)/(24*time.Hour)))
		}
		if overlaps(s, end, from, to) {
			out = append(out, occurrence(ev, s, end, loc))
		}
	}
	return out, nil
}

func isOverridden(start time.Time, rids []time.Time) bool {
	for _, rid := range rids {
		if rid.Equal(start) {
			return true
		}
	}
	return false
}

// overlaps reports whether [s, e) meets [from, to). Zero-length events
// count at their start.
func overlaps(s, e, from, to time.Time) bool {
	if e.Equal(s) {
		return !s.Before(from) && s.Before(to)
	}
	return s.Before(to) && e.After(from)
}

func occurrence(ev Event, start, end time.Time, loc *time.Location) model.Occurrence {
	o := model.Occurrence{
		SourceID:    ev.Source.ID,
		Calendar:    ev.Source.Name,
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start.In(loc),
		End:         end.In(loc),
	}
	if ev.AllDay {
		// Dates stay on their calendar day in every zone.
		o.Start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		o.End = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
	}
	o.InstanceKey = o.Start.Format(time.RFC3339)
	return o
}
