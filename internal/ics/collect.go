package ics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "pical/internal/log"
	"pical/internal/model"
)

// ErrNoCalendars is returned by Collect when sources were configured but
// none of them could be fetched and parsed, not even from cache.
var ErrNoCalendars = errors.New("ics: no calendar could be loaded")

// Collect fetches, parses and expands every source into occurrences that
// overlap [local midnight of from, +days) in loc, sorted by start time.
//
// A source that cannot be fetched or parsed is logged and skipped; the call
// only fails when every source did. Single broken events are logged and
// dropped without failing their source.
func (f *Fetcher) Collect(ctx context.Context, sources []Source, loc *time.Location, from time.Time, days int) ([]model.Occurrence, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	if days <= 0 {
		days = 1
	}
	from = from.In(loc)
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, days)

	var (
		occs   []model.Occurrence
		errs   []error
		loaded int
	)
	for _, src := range sources {
		exp, err := f.collectOne(ctx, src, loc, start, end)
		if err != nil {
			appLog.Warn("ics source skipped", "id", src.ID, "url", redactURL(src.URL), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
			continue
		}
		loaded++
		occs = append(occs, exp...)
	}
	if loaded == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoCalendars, errors.Join(errs...))
	}

	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		return occs[i].UID < occs[j].UID
	})
	appLog.Debug("ics collect completed", "sources", len(sources), "loaded", loaded, "occurrences", len(occs))
	return occs, nil
}

func (f *Fetcher) collectOne(ctx context.Context, src Source, loc *time.Location, start, end time.Time) ([]model.Occurrence, error) {
	body, err := f.Fetch(ctx, src)
	if err != nil && len(body.Data) == 0 {
		return nil, err
	}
	if err != nil {
		appLog.Warn("ics cache not updated", "id", src.ID, "err", err)
	}
	if body.Stale {
		appLog.Warn("ics download failed, using cached copy", "id", src.ID, "url", redactURL(src.URL))
	}

	cal, err := Parse(src, body.Data, loc)
	if err != nil {
		return nil, err
	}
	for _, skip := range cal.Skipped {
		appLog.Warn("ics event skipped", "id", src.ID, "err", skip)
	}
	occs, errs := Expand(cal.Events, start, end, loc)
	for _, err := range errs {
		appLog.Warn("ics event not expanded", "id", src.ID, "err", err)
	}
	appLog.Debug("ics source loaded", "id", src.ID, "from_cache", body.FromCache, "events", len(cal.Events), "occurrences", len(occs))
	return occs, nil
}
