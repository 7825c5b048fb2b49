// Package epd drives an IT8951 e-paper display controller over a
// bus.Transport: handshake, image buffer addressing, area image loads,
// waveform refreshes and power transitions. It holds no refresh policy.
package epd

import (
	"errors"
	"fmt"
	"time"

	"pical/internal/bus"
	"pical/internal/frame"
	appLog "pical/internal/log"
)

// Opts configures the driver for one panel.
type Opts struct {
	// Width and Height must match what the controller reports.
	Width, Height int
	// BitsPerPixel is the wire depth: 2, 4 or 8.
	BitsPerPixel int
	// VCOM is the panel's VCOM voltage in mV (positive; the controller
	// applies it as negative).
	VCOM uint16
	// Waveforms maps refresh modes to waveform numbers.
	Waveforms Waveforms
	// LowPower selects sleep or standby between refresh cycles.
	LowPower LowPower
	// TimeoutBase plus TimeoutPerMpx for every million pixels refreshed
	// bounds the wait for a refresh to finish.
	TimeoutBase   time.Duration
	TimeoutPerMpx time.Duration
	// PollInterval is the delay between display engine status reads.
	PollInterval time.Duration
}

// DefaultOpts are for the 800x600 6" panel.
var DefaultOpts = Opts{
	Width:         800,
	Height:        600,
	BitsPerPixel:  4,
	VCOM:          1670,
	Waveforms:     DefaultWaveforms,
	LowPower:      Sleep,
	TimeoutBase:   2 * time.Second,
	TimeoutPerMpx: 10 * time.Second,
	PollInterval:  10 * time.Millisecond,
}

// Driver creates sessions on a transport.
type Driver struct {
	t    bus.Transport
	opts Opts

	sleep func(time.Duration)
	now   func() time.Time
}

// New validates opts and returns a driver using t.
func New(t bus.Transport, opts Opts) (*Driver, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("epd: invalid panel size %dx%d", opts.Width, opts.Height)
	}
	if _, ok := bppCode(opts.BitsPerPixel); !ok {
		return nil, fmt.Errorf("epd: unsupported bits per pixel %d", opts.BitsPerPixel)
	}
	// Loads are word aligned, so a full-panel load needs an aligned width.
	if n := 16 / opts.BitsPerPixel; opts.Width%n != 0 {
		return nil, fmt.Errorf("epd: panel width %d is not a multiple of %d at %d bpp", opts.Width, n, opts.BitsPerPixel)
	}
	if opts.TimeoutBase <= 0 {
		opts.TimeoutBase = DefaultOpts.TimeoutBase
	}
	if opts.TimeoutPerMpx < 0 {
		opts.TimeoutPerMpx = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOpts.PollInterval
	}
	return &Driver{t: t, opts: opts, sleep: time.Sleep, now: time.Now}, nil
}

// Initialize resets the controller and performs the handshake. The returned
// session is Ready. Any failure is a *HandshakeError.
func (d *Driver) Initialize() (*Session, error) {
	s := &Session{d: d, state: Uninitialized}
	if err := d.t.Reset(); err != nil {
		return nil, &HandshakeError{Reason: "reset", Err: err}
	}
	if err := s.handshake(); err != nil {
		return nil, err
	}
	s.state = Ready
	appLog.Info("epd: controller ready",
		"width", s.info.Width, "height", s.info.Height,
		"firmware", s.info.Firmware, "lut", s.info.LUT,
		"image_addr", fmt.Sprintf("%#x", s.info.ImageAddr))
	return s, nil
}

// Session is one initialized connection to the controller. It is not safe
// for concurrent use; a single owner drives it.
type Session struct {
	d     *Driver
	info  DevInfo
	state State
}

func (s *Session) State() State { return s.state }

func (s *Session) Info() DevInfo { return s.info }

// Alignment is the pixel multiple required for image load X and width.
func (s *Session) Alignment() int { return 16 / s.d.opts.BitsPerPixel }

// Bounds is the full panel rectangle.
func (s *Session) Bounds() frame.Rect {
	return frame.Rect{W: s.d.opts.Width, H: s.d.opts.Height}
}

func (s *Session) send(c Command) error {
	words, err := c.Encode()
	if err != nil {
		return err
	}
	if err := s.d.t.WriteCommand(words[0]); err != nil {
		return err
	}
	if len(words) > 1 {
		return s.d.t.WriteWords(words[1:]...)
	}
	return nil
}

// handshake wakes the controller, checks its geometry and programs the
// host interface. Nothing here survives a sleep, so Resume repeats it.
func (s *Session) handshake() error {
	t := s.d.t
	if err := s.send(cmdSysRun()); err != nil {
		return &HandshakeError{Reason: "system run", Err: err}
	}
	if err := s.send(cmdGetDevInfo()); err != nil {
		return &HandshakeError{Reason: "device info request", Err: err}
	}
	words, err := t.ReadWords(devInfoWords)
	if err != nil {
		return &HandshakeError{Reason: "device info read", Err: err}
	}
	info, err := DecodeDevInfo(words)
	if err != nil {
		return &HandshakeError{Reason: "device info decode", Err: err}
	}
	if info.Width == 0 || info.Height == 0 {
		return &HandshakeError{Reason: fmt.Sprintf("controller reports empty panel %dx%d", info.Width, info.Height)}
	}
	if info.Width != s.d.opts.Width || info.Height != s.d.opts.Height {
		return &HandshakeError{Reason: fmt.Sprintf("controller reports %dx%d, configured %dx%d",
			info.Width, info.Height, s.d.opts.Width, s.d.opts.Height)}
	}
	if err := t.WriteRegister(regI80CPCR, 1); err != nil {
		return &HandshakeError{Reason: "enable packed write", Err: err}
	}
	if s.d.opts.VCOM != 0 {
		if err := s.send(cmdSetVCOM(s.d.opts.VCOM)); err != nil {
			return &HandshakeError{Reason: "set vcom", Err: err}
		}
	}
	if err := t.WriteRegister(regLISARHi, uint16(info.ImageAddr>>16)); err != nil {
		return &HandshakeError{Reason: "image buffer address", Err: err}
	}
	if err := t.WriteRegister(regLISARLow, uint16(info.ImageAddr)); err != nil {
		return &HandshakeError{Reason: "image buffer address", Err: err}
	}
	s.info = info
	return nil
}

func (s *Session) checkRegion(r frame.Rect) error {
	if r.Empty() {
		return &RegionError{Rect: r, Reason: "empty"}
	}
	if !r.Within(s.Bounds()) {
		return &RegionError{Rect: r, Reason: fmt.Sprintf("outside panel %dx%d", s.d.opts.Width, s.d.opts.Height)}
	}
	return nil
}

func (s *Session) require(st State, op string) error {
	if s.state != st {
		return fmt.Errorf("%w: %s while %s", ErrState, op, s.state)
	}
	return nil
}

// LoadImage writes the pixels of r from fb into the controller's image
// memory. X and width of r must be multiples of Alignment.
func (s *Session) LoadImage(r frame.Rect, fb *frame.Buffer) error {
	if err := s.require(Ready, "load image"); err != nil {
		return err
	}
	if fb == nil || fb.Width != s.d.opts.Width || fb.Height != s.d.opts.Height {
		return &RegionError{Rect: r, Reason: fmt.Sprintf("frame %v does not match panel", fb)}
	}
	if err := s.checkRegion(r); err != nil {
		return err
	}
	if n := s.Alignment(); r.X%n != 0 || r.W%n != 0 {
		return &RegionError{Rect: r, Reason: fmt.Sprintf("x and width must be multiples of %d", n)}
	}

	s.state = LoadingImage
	defer func() { s.state = Ready }()

	if err := s.send(cmdLoadImageArea(s.d.opts.BitsPerPixel, r)); err != nil {
		return fmt.Errorf("epd: load image %v: %w", r, err)
	}
	if err := s.d.t.WriteBulk(Pack(fb, r, s.d.opts.BitsPerPixel)); err != nil {
		return fmt.Errorf("epd: load image %v: %w", r, err)
	}
	if err := s.send(cmdLoadImageEnd()); err != nil {
		return fmt.Errorf("epd: load image %v: %w", r, err)
	}
	return nil
}

// RefreshTimeout is how long TriggerRefresh waits for r to finish.
func (s *Session) RefreshTimeout(r frame.Rect) time.Duration {
	o := s.d.opts
	return o.TimeoutBase + time.Duration(float64(o.TimeoutPerMpx)*float64(r.Area())/1e6)
}

// TriggerRefresh starts a refresh of r with mode and blocks until the
// display engine is idle. A timed out wait is retried once.
func (s *Session) TriggerRefresh(r frame.Rect, mode Mode) error {
	if err := s.require(Ready, "refresh"); err != nil {
		return err
	}
	if err := s.checkRegion(r); err != nil {
		return err
	}

	s.state = Refreshing
	defer func() { s.state = Ready }()

	waveform := s.d.opts.Waveforms.For(mode)
	if err := s.send(cmdDisplayArea(r, waveform)); err != nil {
		return fmt.Errorf("epd: refresh %v %s: %w", r, mode, err)
	}
	timeout := s.RefreshTimeout(r)
	err := s.waitDisplay(timeout)
	if errors.Is(err, bus.ErrTimeout) {
		appLog.Warn("epd: refresh wait timed out, waiting again",
			"region", r, "mode", mode, "attempt", 1, "timeout", timeout)
		err = s.waitDisplay(timeout)
	}
	if err != nil {
		return fmt.Errorf("epd: refresh %v %s: %w", r, mode, err)
	}
	return nil
}

// waitDisplay waits for the ready line, then polls LUTAFSR until the
// display engine reports idle.
func (s *Session) waitDisplay(timeout time.Duration) error {
	d := s.d
	deadline := d.now().Add(timeout)
	if err := d.t.WaitReady(timeout); err != nil {
		return err
	}
	for {
		v, err := d.t.ReadRegister(regLUTAFSR)
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
		if !d.now().Before(deadline) {
			return &bus.Error{Op: "wait_display", Err: fmt.Errorf("%w after %s", bus.ErrTimeout, timeout)}
		}
		d.sleep(d.opts.PollInterval)
	}
}

// EnterLowPower puts a Ready controller to sleep or standby. It is a no-op
// when already powered down.
func (s *Session) EnterLowPower() error {
	if s.state == PoweredDown {
		return nil
	}
	if err := s.require(Ready, "enter low power"); err != nil {
		return err
	}
	c := cmdSleep()
	if s.d.opts.LowPower == Standby {
		c = cmdStandby()
	}
	if err := s.send(c); err != nil {
		return fmt.Errorf("epd: enter low power: %w", err)
	}
	s.state = PoweredDown
	appLog.Debug("epd: controller powered down", "command", c.Op)
	return nil
}

// Resume wakes a powered-down controller and repeats the handshake. It is a
// no-op when Ready.
func (s *Session) Resume() error {
	if s.state == Ready {
		return nil
	}
	if err := s.require(PoweredDown, "resume"); err != nil {
		return err
	}
	if err := s.handshake(); err != nil {
		return fmt.Errorf("epd: resume: %w", err)
	}
	s.state = Ready
	appLog.Debug("epd: controller resumed")
	return nil
}

// Reset pulses the hardware reset line and repeats the handshake. It is the
// recovery path after repeated failures and is valid in any open state.
func (s *Session) Reset() error {
	if s.state == Closed {
		return fmt.Errorf("%w: reset while %s", ErrState, s.state)
	}
	s.state = Uninitialized
	if err := s.d.t.Reset(); err != nil {
		return &HandshakeError{Reason: "reset", Err: err}
	}
	if err := s.handshake(); err != nil {
		return err
	}
	s.state = Ready
	appLog.Info("epd: controller reset")
	return nil
}

// Close puts the controller to sleep and releases the transport.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	var errs []error
	asleep := s.state == PoweredDown && s.d.opts.LowPower == Sleep
	if !asleep && s.state != Uninitialized {
		if err := s.send(cmdSleep()); err != nil {
			errs = append(errs, fmt.Errorf("epd: sleep on close: %w", err))
		}
	}
	if err := s.d.t.Close(); err != nil {
		errs = append(errs, fmt.Errorf("epd: close transport: %w", err))
	}
	s.state = Closed
	return errors.Join(errs...)
}
