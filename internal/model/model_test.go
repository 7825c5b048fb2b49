package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAgenda(t *testing.T) {
	loc := time.UTC
	day := func(d, h int) time.Time { return time.Date(2025, 3, d, h, 0, 0, 0, loc) }

	occs := []Occurrence{
		{Summary: "standup", Start: day(10, 9), End: day(10, 10)},
		{Summary: "holiday", AllDay: true, Start: day(10, 0), End: day(12, 0)},
		{Summary: "late", Start: day(11, 23), End: day(12, 1)},
		{Summary: "reminder", Start: day(12, 8), End: day(12, 8)},
		{Summary: "past", Start: day(9, 8), End: day(9, 9)},
	}

	got := Agenda(occs, day(10, 15), 3)
	summaries := make([][]string, len(got))
	for i, d := range got {
		if !d.Date.Equal(day(10+i, 0)) {
			t.Errorf("day %d date = %v", i, d.Date)
		}
		for _, o := range d.Occurrences {
			summaries[i] = append(summaries[i], o.Summary)
		}
	}
	want := [][]string{
		{"holiday", "standup"},
		{"holiday", "late"},
		{"late", "reminder"},
	}
	if diff := cmp.Diff(summaries, want); diff != "" {
		t.Errorf("Agenda() difference (-got +want):\n%s", diff)
	}

	if Agenda(occs, day(10, 0), 0) != nil {
		t.Error("Agenda() with zero days returned rows")
	}
}

func TestWeatherCodeFromWMO(t *testing.T) {
	for code, want := range map[int]WeatherCode{
		0: ClearSky, 2: PartlyCloudy, 48: Fog, 55: Drizzle, 81: Rain, 86: Snow, 99: Thunderstorm, 42: UnknownWeather,
	} {
		if got := WeatherCodeFromWMO(code); got != want {
			t.Errorf("WeatherCodeFromWMO(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestForecast(t *testing.T) {
	var nilWeather *Weather
	if _, ok := nilWeather.Forecast(time.Now()); ok {
		t.Error("Forecast() on nil weather reported a value")
	}
	w := &Weather{Daily: map[string]Observation{"2025-03-10": {Code: Rain}}}
	ob, ok := w.Forecast(time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC))
	if !ok || ob.Code != Rain {
		t.Errorf("Forecast() = %v, %v", ob, ok)
	}
}
