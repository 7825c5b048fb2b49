// Package render produces panel frames. Native draws the calendar layout
// itself; Browser screenshots a web page. Both implement the scheduler's
// Producer contract.
package render

import (
	"context"
	"fmt"
	"time"

	"pical/internal/battery"
	"pical/internal/ics"
	"pical/internal/model"
)

// Error reports a frame that could not be produced.
type Error struct {
	// Source names the failing input: "calendar", "browser", "convert".
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render: %s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Calendars returns the occurrences of the given sources overlapping
// [from, from+days).
type Calendars interface {
	Collect(ctx context.Context, sources []ics.Source, loc *time.Location, from time.Time, days int) ([]model.Occurrence, error)
}

// Weather returns the latest forecast.
type Weather interface {
	Current(ctx context.Context) (*model.Weather, error)
}

// Data is everything drawn on one frame.
type Data struct {
	Now     time.Time
	Days    []model.Day
	Weather *model.Weather
	Battery *battery.Status
}
