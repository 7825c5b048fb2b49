package model

import (
	"sort"
	"time"
)

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	Calendar string // calendar display name
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, typically derived from the local start time.
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// Day is one row of the agenda.
type Day struct {
	Date        time.Time
	Occurrences []Occurrence
}

// Agenda groups occurrences into days consecutive days starting at the date
// of from. An occurrence spanning several days appears on each of them.
// Within a day all-day entries come first, then by start time.
func Agenda(occs []Occurrence, from time.Time, days int) []Day {
	if days <= 0 {
		return nil
	}
	loc := from.Location()
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)

	out := make([]Day, days)
	for i := range out {
		out[i].Date = start.AddDate(0, 0, i)
	}
	for _, o := range occs {
		for i := range out {
			dayStart := out[i].Date
			dayEnd := dayStart.AddDate(0, 0, 1)
			end := o.End
			if !end.After(o.Start) {
				end = o.Start.Add(time.Nanosecond)
			}
			if o.Start.Before(dayEnd) && end.After(dayStart) {
				out[i].Occurrences = append(out[i].Occurrences, o)
			}
		}
	}
	for i := range out {
		occ := out[i].Occurrences
		sort.SliceStable(occ, func(a, b int) bool {
			if occ[a].AllDay != occ[b].AllDay {
				return occ[a].AllDay
			}
			if !occ[a].Start.Equal(occ[b].Start) {
				return occ[a].Start.Before(occ[b].Start)
			}
			return occ[a].Summary < occ[b].Summary
		})
	}
	return out
}

// WeatherCode is a coarse WMO weather interpretation.
type WeatherCode int

const (
	ClearSky WeatherCode = iota
	MainlyClear
	PartlyCloudy
	Overcast
	Fog
	Drizzle
	Rain
	Snow
	Thunderstorm
	UnknownWeather
)

// WeatherCodeFromWMO maps a WMO code as reported by Open-Meteo.
func WeatherCodeFromWMO(code int) WeatherCode {
	switch code {
	case 0:
		return ClearSky
	case 1:
		return MainlyClear
	case 2:
		return PartlyCloudy
	case 3:
		return Overcast
	case 45, 48:
		return Fog
	case 51, 53, 55, 56, 57:
		return Drizzle
	case 61, 63, 65, 66, 67, 80, 81, 82:
		return Rain
	case 71, 73, 75, 77, 85, 86:
		return Snow
	case 95, 96, 99:
		return Thunderstorm
	}
	return UnknownWeather
}

func (c WeatherCode) String() string {
	switch c {
	case ClearSky:
		return "clear"
	case MainlyClear:
		return "mostly clear"
	case PartlyCloudy:
		return "partly cloudy"
	case Overcast:
		return "overcast"
	case Fog:
		return "fog"
	case Drizzle:
		return "drizzle"
	case Rain:
		return "rain"
	case Snow:
		return "snow"
	case Thunderstorm:
		return "thunderstorm"
	}
	return "unknown"
}

// Observation is the weather at one point in time or for one day. Nil
// pointers mean the value was not reported.
type Observation struct {
	Code              WeatherCode `json:"code"`
	TemperatureC      *float64    `json:"temperature_c,omitempty"`
	HumidityPct       *float64    `json:"humidity_pct,omitempty"`
	PrecipitationProb *float64    `json:"precipitation_prob,omitempty"`
}

// Weather holds current conditions and a daily forecast keyed by local date
// ("2006-01-02").
type Weather struct {
	UpdatedAt time.Time              `json:"updated_at"`
	Current   Observation            `json:"current"`
	Daily     map[string]Observation `json:"daily"`
}

// Forecast returns the daily observation for the date of t.
func (w *Weather) Forecast(t time.Time) (Observation, bool) {
	if w == nil {
		return Observation{}, false
	}
	ob, ok := w.Daily[t.Format(time.DateOnly)]
	return ob, ok
}
