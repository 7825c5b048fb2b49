package epd

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pical/internal/bus"
	"pical/internal/bus/bustest"
	"pical/internal/frame"
)

func newTestDriver(t *testing.T, f *bustest.Fake, mutate func(*Opts)) *Driver {
	t.Helper()
	opts := DefaultOpts
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(f, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }
	d.sleep = func(dur time.Duration) { now = now.Add(dur) }
	return d
}

func newTestSession(t *testing.T, f *bustest.Fake) *Session {
	t.Helper()
	s, err := newTestDriver(t, f, nil).Initialize()
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	return s
}

func TestInitialize(t *testing.T) {
	f := bustest.New(800, 600)
	s := newTestSession(t, f)

	if s.State() != Ready {
		t.Errorf("State() = %s, want ready", s.State())
	}
	want := DevInfo{Width: 800, Height: 600, ImageAddr: 0x001236E0, Firmware: "SWv_0.2.1T", LUT: "M641"}
	if diff := cmp.Diff(s.Info(), want); diff != "" {
		t.Errorf("Info() difference (-got +want):\n%s", diff)
	}
	if f.Resets != 1 {
		t.Errorf("Resets = %d, want 1", f.Resets)
	}
	if f.VCOM != 1670 {
		t.Errorf("VCOM = %d, want 1670", f.VCOM)
	}
	wantRegs := map[uint16]uint16{
		bustest.RegI80CPCR:  1,
		bustest.RegLISARHi:  0x0012,
		bustest.RegLISARLow: 0x36E0,
	}
	if diff := cmp.Diff(f.Regs, wantRegs); diff != "" {
		t.Errorf("registers difference (-got +want):\n%s", diff)
	}
	if s.Alignment() != 4 {
		t.Errorf("Alignment() = %d, want 4", s.Alignment())
	}
}

func TestInitializeHandshakeErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		fake  func() *bustest.Fake
		isBus bool
	}{
		{
			name: "dimension mismatch",
			fake: func() *bustest.Fake { return bustest.New(1872, 1404) },
		},
		{
			name: "no panel",
			fake: func() *bustest.Fake { return bustest.New(0, 0) },
		},
		{
			name: "reset fails",
			fake: func() *bustest.Fake {
				f := bustest.New(800, 600)
				f.Fail("reset", 1)
				return f
			},
			isBus: true,
		},
		{
			name: "no reply",
			fake: func() *bustest.Fake {
				f := bustest.New(800, 600)
				f.Fail("read_words", 1)
				return f
			},
			isBus: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newTestDriver(t, tc.fake(), nil).Initialize()
			var he *HandshakeError
			if !errors.As(err, &he) {
				t.Fatalf("Initialize() error = %v, want *HandshakeError", err)
			}
			var be *bus.Error
			if got := errors.As(err, &be); got != tc.isBus {
				t.Errorf("errors.As(*bus.Error) = %t, want %t", got, tc.isBus)
			}
		})
	}
}

func TestNewRejectsBadOpts(t *testing.T) {
	for _, o := range []Opts{
		{Width: 0, Height: 600, BitsPerPixel: 4},
		{Width: 800, Height: 600, BitsPerPixel: 3},
		{Width: 758, Height: 600, BitsPerPixel: 4},
		{Width: 804, Height: 600, BitsPerPixel: 2},
	} {
		if _, err := New(bustest.New(800, 600), o); err == nil {
			t.Errorf("New(%+v) succeeded", o)
		}
	}
}

func TestNewAcceptsAlignedWidth(t *testing.T) {
	for _, o := range []Opts{
		{Width: 760, Height: 600, BitsPerPixel: 4},
		{Width: 758, Height: 600, BitsPerPixel: 8},
	} {
		if _, err := New(bustest.New(o.Width, o.Height), o); err != nil {
			t.Errorf("New(%+v) failed: %v", o, err)
		}
	}
}

func testPattern(t *testing.T, w, h int) *frame.Buffer {
	t.Helper()
	fb, err := frame.New(w, h, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := range fb.Pix {
		fb.Pix[i] = uint8(i*7) % 16
	}
	return fb
}

func TestLoadImage(t *testing.T) {
	f := bustest.New(800, 600)
	s := newTestSession(t, f)
	fb := testPattern(t, 800, 600)

	r := frame.Rect{X: 16, Y: 8, W: 36, H: 5}
	if err := s.LoadImage(r, fb); err != nil {
		t.Fatalf("LoadImage() failed: %v", err)
	}
	loads, _ := f.Snapshot()
	if diff := cmp.Diff(loads, []bustest.Load{{Area: r, Bpp: 4}}); diff != "" {
		t.Errorf("loads difference (-got +want):\n%s", diff)
	}
	for y := 0; y < 20; y++ {
		for x := 0; x < 64; x++ {
			want := uint8(0)
			if r.Contains(x, y) {
				want = fb.At(x, y)
			}
			if got := f.Pixel(x, y); got != want {
				t.Fatalf("pixel (%d,%d) = %d, want %d", x, y, got, want)
			}
		}
	}
	if s.State() != Ready {
		t.Errorf("State() = %s, want ready", s.State())
	}
}

func TestLoadImageRegionErrors(t *testing.T) {
	f := bustest.New(800, 600)
	s := newTestSession(t, f)
	fb := testPattern(t, 800, 600)

	for _, tc := range []struct {
		name string
		r    frame.Rect
		fb   *frame.Buffer
	}{
		{name: "misaligned x", r: frame.Rect{X: 2, Y: 0, W: 8, H: 8}, fb: fb},
		{name: "misaligned width", r: frame.Rect{X: 0, Y: 0, W: 10, H: 8}, fb: fb},
		{name: "out of bounds", r: frame.Rect{X: 796, Y: 590, W: 8, H: 20}, fb: fb},
		{name: "empty", r: frame.Rect{X: 0, Y: 0, W: 0, H: 8}, fb: fb},
		{name: "frame size", r: frame.Rect{W: 8, H: 8}, fb: testPattern(t, 400, 300)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := s.LoadImage(tc.r, tc.fb)
			var re *RegionError
			if !errors.As(err, &re) {
				t.Fatalf("LoadImage() error = %v, want *RegionError", err)
			}
			if IsHardware(err) {
				t.Error("IsHardware(RegionError) = true")
			}
		})
	}
	if loads, _ := f.Snapshot(); len(loads) != 0 {
		t.Errorf("%d loads issued for invalid regions", len(loads))
	}
}

func TestLoadImageBusFailure(t *testing.T) {
	f := bustest.New(800, 600)
	s := newTestSession(t, f)
	f.Fail("write_bulk", 1)

	err := s.LoadImage(frame.Rect{W: 800, H: 600}, testPattern(t, 800, 600))
	if !IsHardware(err) {
		t.Fatalf("LoadImage() error = %v, want hardware error", err)
	}
	if s.State() != Ready {
		t.Errorf("State() after failure = %s, want ready", s.State())
	}
}

func TestTriggerRefresh(t *testing.T) {
	f := bustest.New(800, 600)
	f.LUTBusyReads = 3
	s := newTestSession(t, f)

	r := frame.Rect{X: 100, Y: 100, W: 100, H: 40}
	if err := s.TriggerRefresh(r, Partial); err != nil {
		t.Fatalf("TriggerRefresh() failed: %v", err)
	}
	if err := s.TriggerRefresh(s.Bounds(), Full); err != nil {
		t.Fatalf("TriggerRefresh() failed: %v", err)
	}
	_, displays := f.Snapshot()
	want := []bustest.Display{
		{Area: r, Mode: WaveformDU4},
		{Area: frame.Rect{W: 800, H: 600}, Mode: WaveformGC16},
	}
	if diff := cmp.Diff(displays, want); diff != "" {
		t.Errorf("displays difference (-got +want):\n%s", diff)
	}
}

func TestTriggerRefreshRetriesTimeoutOnce(t *testing.T) {
	f := bustest.New(800, 600)
	s := newTestSession(t, f)

	f.Fail("wait_ready", 1)
	if err := s.TriggerRefresh(s.Bounds(), Full); err != nil {
		t.Fatalf("TriggerRefresh() after one timeout failed: %v", err)
	}

	f.Fail("wait_ready", 2)
	err := s.TriggerRefresh(s.Bounds(), Full)
	if !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("TriggerRefresh() error = %v, want timeout", err)
	}
	if !IsHardware(err) {
		t.Error("IsHardware(timeout) = false")
	}
	if s.State() != Ready {
		t.Errorf("State() after failure = %s, want ready", s.State())
	}
	if _, displays := f.Snapshot(); len(displays) != 2 {
		t.Errorf("%d display commands, want 2", len(displays))
	}
}

func TestTriggerRefreshEngineTimeout(t *testing.T) {
	f := bustest.New(800, 600)
	f.LUTBusyReads = 1 << 30
	s := newTestSession(t, f)

	err := s.TriggerRefresh(frame.Rect{W: 16, H: 16}, Partial)
	if !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("TriggerRefresh() error = %v, want timeout", err)
	}
}

func TestRefreshTimeout(t *testing.T) {
	s := newTestSession(t, bustest.New(800, 600))
	if got, want := s.RefreshTimeout(s.Bounds()), 6800*time.Millisecond; got != want {
		t.Errorf("RefreshTimeout(full) = %s, want %s", got, want)
	}
	if got, want := s.RefreshTimeout(frame.Rect{W: 100, H: 40}), 2040*time.Millisecond; got != want {
		t.Errorf("RefreshTimeout(small) = %s, want %s", got, want)
	}
}

func TestPowerCycle(t *testing.T) {
	f := bustest.New(800, 600)
	s := newTestSession(t, f)

	if err := s.EnterLowPower(); err != nil {
		t.Fatalf("EnterLowPower() failed: %v", err)
	}
	if s.State() != PoweredDown || f.Power != bustest.PowerSleep {
		t.Fatalf("after EnterLowPower: state %s, controller %s", s.State(), f.Power)
	}
	if err := s.EnterLowPower(); err != nil {
		t.Errorf("second EnterLowPower() failed: %v", err)
	}

	fb := testPattern(t, 800, 600)
	if err := s.LoadImage(frame.Rect{W: 16, H: 16}, fb); !errors.Is(err, ErrState) {
		t.Errorf("LoadImage() while powered down error = %v, want ErrState", err)
	}
	if err := s.TriggerRefresh(frame.Rect{W: 16, H: 16}, Full); !errors.Is(err, ErrState) {
		t.Errorf("TriggerRefresh() while powered down error = %v, want ErrState", err)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if s.State() != Ready || f.Power != bustest.PowerRun {
		t.Fatalf("after Resume: state %s, controller %s", s.State(), f.Power)
	}
	// The sleep cleared the host interface registers; the load only works
	// if Resume programmed them again.
	if err := s.LoadImage(frame.Rect{W: 16, H: 16}, fb); err != nil {
		t.Errorf("LoadImage() after resume failed: %v", err)
	}
}

func TestStandby(t *testing.T) {
	f := bustest.New(800, 600)
	s, err := newTestDriver(t, f, func(o *Opts) { o.LowPower = Standby }).Initialize()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnterLowPower(); err != nil {
		t.Fatalf("EnterLowPower() failed: %v", err)
	}
	if f.Power != bustest.PowerStandby {
		t.Errorf("controller %s, want standby", f.Power)
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
}

func TestResetAndClose(t *testing.T) {
	f := bustest.New(800, 600)
	s := newTestSession(t, f)

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if f.Resets != 2 || s.State() != Ready {
		t.Errorf("after Reset: resets %d, state %s", f.Resets, s.State())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !f.Closed || f.Power != bustest.PowerSleep || s.State() != Closed {
		t.Errorf("after Close: closed %t, controller %s, state %s", f.Closed, f.Power, s.State())
	}
	if err := s.Reset(); !errors.Is(err, ErrState) {
		t.Errorf("Reset() after Close error = %v, want ErrState", err)
	}
}

func TestIsHardware(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("other"), false},
		{&bus.Error{Op: "write_bulk", Err: errors.New("eio")}, true},
		{bus.ErrTimeout, true},
		{&RegionError{Reason: "bad"}, false},
		{ErrState, false},
		{&HandshakeError{Reason: "resume", Err: &bus.Error{Op: "read_words", Err: errors.New("eio")}}, true},
	} {
		if got := IsHardware(tc.err); got != tc.want {
			t.Errorf("IsHardware(%v) = %t, want %t", tc.err, got, tc.want)
		}
	}
}
