package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"pical/internal/battery"
	"pical/internal/capture"
	"pical/internal/frame"
	"pical/internal/ics"
	"pical/internal/model"
)

type fakeCalendars struct {
	occs []model.Occurrence
	err  error
}

func (f *fakeCalendars) Collect(context.Context, []ics.Source, *time.Location, time.Time, int) ([]model.Occurrence, error) {
	return f.occs, f.err
}

type fakeWeather struct {
	w   *model.Weather
	err error
}

func (f *fakeWeather) Current(context.Context) (*model.Weather, error) { return f.w, f.err }

type fakeBattery struct{ err error }

func (f *fakeBattery) Read(context.Context) (battery.Status, error) {
	return battery.Status{Percent: 64, VoltageMv: 3900}, f.err
}

var testNow = time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

func newNative(t *testing.T, cal Calendars, w Weather, b battery.Reader, scaling float64) *Native {
	t.Helper()
	n, err := NewNative(cal, w, b, NativeOptions{Location: time.UTC, HorizonDays: 5, Scaling: scaling})
	if err != nil {
		t.Fatalf("NewNative() failed: %v", err)
	}
	n.now = func() time.Time { return testNow }
	return n
}

func sampleOccurrences() []model.Occurrence {
	return []model.Occurrence{
		{Summary: "Standup", Calendar: "Work", Start: testNow.Add(time.Hour), End: testNow.Add(90 * time.Minute)},
		{Summary: "Holiday", AllDay: true, Start: testNow.AddDate(0, 0, 1).Truncate(24 * time.Hour), End: testNow.AddDate(0, 0, 2).Truncate(24 * time.Hour)},
	}
}

func darkPixels(fb *frame.Buffer, r frame.Rect) int {
	n := 0
	for y := r.Y; y < r.Y+r.H; y++ {
		for x := r.X; x < r.X+r.W; x++ {
			if fb.At(x, y) < fb.Depth.Max()/2 {
				n++
			}
		}
	}
	return n
}

func TestNativeProduceFrame(t *testing.T) {
	temp := 9.0
	w := &fakeWeather{w: &model.Weather{Current: model.Observation{Code: model.Rain, TemperatureC: &temp}}}
	n := newNative(t, &fakeCalendars{occs: sampleOccurrences()}, w, &fakeBattery{}, 1)

	fb, err := n.ProduceFrame(context.Background(), 400, 300, 4)
	if err != nil {
		t.Fatalf("ProduceFrame() failed: %v", err)
	}
	if fb.Width != 400 || fb.Height != 300 || fb.Depth != 4 {
		t.Fatalf("frame = %v", fb)
	}
	if darkPixels(fb, frame.Rect{X: 0, Y: 0, W: 400, H: 40}) == 0 {
		t.Error("header has no ink")
	}
	if darkPixels(fb, frame.Rect{X: 0, Y: 280, W: 400, H: 20}) == 0 {
		t.Error("footer has no ink")
	}

	again, err := n.ProduceFrame(context.Background(), 400, 300, 4)
	if err != nil {
		t.Fatalf("second ProduceFrame() failed: %v", err)
	}
	if regions, _ := frame.Diff(fb, again, frame.DiffOptions{}); len(regions) != 0 {
		t.Errorf("identical input produced %d changed regions", len(regions))
	}
}

func TestNativeChangeIsLocal(t *testing.T) {
	cal := &fakeCalendars{}
	n := newNative(t, cal, nil, nil, 1)
	before, err := n.ProduceFrame(context.Background(), 400, 300, 4)
	if err != nil {
		t.Fatal(err)
	}
	cal.occs = sampleOccurrences()[:1]
	after, err := n.ProduceFrame(context.Background(), 400, 300, 4)
	if err != nil {
		t.Fatal(err)
	}
	regions, err := frame.Diff(before, after, frame.DiffOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) == 0 {
		t.Fatal("new event did not change the frame")
	}
	for _, r := range regions {
		if r.Y < 30 || r.Y+r.H > 280 {
			t.Errorf("region %v reaches into header or footer", r)
		}
	}
}

func TestNativeScaling(t *testing.T) {
	n := newNative(t, &fakeCalendars{occs: sampleOccurrences()}, nil, nil, 2)
	img := n.Draw(Data{Now: testNow, Days: model.Agenda(sampleOccurrences(), testNow, 3)}, 320, 240)
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("Draw() bounds = %v, want 320x240", b)
	}
}

func TestNativeCalendarFailure(t *testing.T) {
	cause := errors.New("all feeds down")
	n := newNative(t, &fakeCalendars{err: cause}, nil, nil, 1)
	_, err := n.ProduceFrame(context.Background(), 400, 300, 4)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Source != "calendar" || !errors.Is(err, cause) {
		t.Errorf("ProduceFrame() error = %v, want calendar render error", err)
	}
}

func TestNativeDegradesWithoutWeatherOrBattery(t *testing.T) {
	n := newNative(t, &fakeCalendars{}, &fakeWeather{err: errors.New("offline")}, &fakeBattery{err: errors.New("no gauge")}, 1)
	d, err := n.Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	if d.Weather != nil || d.Battery != nil {
		t.Errorf("Gather() = weather %v battery %v, want both nil", d.Weather, d.Battery)
	}
	if len(d.Days) != 5 {
		t.Errorf("days = %d, want 5", len(d.Days))
	}
	if _, err := n.ProduceFrame(context.Background(), 400, 300, 4); err != nil {
		t.Errorf("ProduceFrame() failed: %v", err)
	}
}

func TestBrowser(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 64, 32))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(10, 10, color.Gray{})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	b := NewBrowser("http://127.0.0.1:8080/dashboard", false)
	var got capture.Options
	b.screenshot = func(_ context.Context, opts capture.Options) ([]byte, error) {
		got = opts
		return buf.Bytes(), nil
	}
	fb, err := b.ProduceFrame(context.Background(), 64, 32, 4)
	if err != nil {
		t.Fatalf("ProduceFrame() failed: %v", err)
	}
	if got.Width != 64 || got.Height != 32 || got.URL != b.URL {
		t.Errorf("capture options = %+v", got)
	}
	if fb.At(10, 10) != 0 || fb.At(0, 0) != 15 {
		t.Errorf("pixels = %d, %d", fb.At(10, 10), fb.At(0, 0))
	}

	b.screenshot = func(context.Context, capture.Options) ([]byte, error) { return []byte("not a png"), nil }
	_, err = b.ProduceFrame(context.Background(), 64, 32, 4)
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Source != "browser" {
		t.Errorf("ProduceFrame() of garbage = %v, want browser render error", err)
	}
}
