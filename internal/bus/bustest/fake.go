// Package bustest provides an in-memory IT8951 controller behind the
// bus.Transport interface, with fault injection, for driver and policy tests.
package bustest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pical/internal/bus"
	"pical/internal/frame"
)

// Register addresses and command codes the fake understands.
const (
	RegI80CPCR  uint16 = 0x0004
	RegLISARLow uint16 = 0x0208
	RegLISARHi  uint16 = 0x020A
	RegLUTAFSR  uint16 = 0x1224

	cmdSysRun     uint16 = 0x0001
	cmdStandby    uint16 = 0x0002
	cmdSleep      uint16 = 0x0003
	cmdRegRead    uint16 = 0x0010
	cmdRegWrite   uint16 = 0x0011
	cmdLoadArea   uint16 = 0x0021
	cmdLoadEnd    uint16 = 0x0022
	cmdDisplay    uint16 = 0x0034
	cmdVCOM       uint16 = 0x0039
	cmdGetDevInfo uint16 = 0x0302
)

// ErrInjected is returned by operations failed with Fail.
var ErrInjected = errors.New("injected fault")

// Power is the simulated controller power state.
type Power string

const (
	PowerRun     Power = "run"
	PowerStandby Power = "standby"
	PowerSleep   Power = "sleep"
)

// Load records one completed image load.
type Load struct {
	Area frame.Rect
	Bpp  int
}

// Display records one display-area command.
type Display struct {
	Area frame.Rect
	Mode uint16
}

// Fake is a simulated IT8951. The zero value is not usable; use New.
type Fake struct {
	mu sync.Mutex

	Width, Height int
	ImageAddr     uint32
	Firmware, LUT string

	// LUTBusyReads is the number of LUTAFSR reads that report the display
	// engine busy after each display command.
	LUTBusyReads int

	Regs   map[uint16]uint16
	VCOM   uint16
	Power  Power
	Pixels []uint8 // wire values, row-major

	Loads    []Load
	Displays []Display
	Resets   int
	Closed   bool

	faults map[string]int

	cmd     uint16
	args    []uint16
	pending bool
	reads   []uint16
	lutBusy int

	load     *Load
	loadData []byte
}

// New returns a running controller reporting the given panel size.
func New(width, height int) *Fake {
	return &Fake{
		Width:     width,
		Height:    height,
		ImageAddr: 0x001236E0,
		Firmware:  "SWv_0.2.1T",
		LUT:       "M641",
		Regs:      map[uint16]uint16{},
		Power:     PowerRun,
		Pixels:    make([]uint8, width*height),
		faults:    map[string]int{},
	}
}

// Fail makes the next n calls of op fail. Valid ops are the bus.Error op
// names: wait_ready, write_command, write_words, read_words, write_bulk,
// read_register, write_register and reset. wait_ready fails with a timeout.
func (f *Fake) Fail(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] += n
}

// ResetHistory clears scripted faults and the load and display history.
func (f *Fake) ResetHistory() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = map[string]int{}
	f.Loads = nil
	f.Displays = nil
}

// Snapshot returns copies of the load and display history.
func (f *Fake) Snapshot() ([]Load, []Display) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Load(nil), f.Loads...), append([]Display(nil), f.Displays...)
}

// Pixel returns the wire value stored at (x, y).
func (f *Fake) Pixel(x, y int) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Pixels[y*f.Width+x]
}

func (f *Fake) fault(op string) error {
	if f.faults[op] == 0 {
		return nil
	}
	f.faults[op]--
	return &bus.Error{Op: op, Err: ErrInjected}
}

func (f *Fake) WaitReady(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.faults["wait_ready"] > 0 {
		f.faults["wait_ready"]--
		return &bus.Error{Op: "wait_ready", Err: fmt.Errorf("%w after %s", bus.ErrTimeout, timeout)}
	}
	return nil
}

func (f *Fake) ReadRegister(addr uint16) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault("read_register"); err != nil {
		return 0, err
	}
	return f.readReg(addr), nil
}

func (f *Fake) readReg(addr uint16) uint16 {
	if addr == RegLUTAFSR {
		if f.lutBusy > 0 {
			f.lutBusy--
			return 1
		}
		return 0
	}
	return f.Regs[addr]
}

func (f *Fake) WriteRegister(addr, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault("write_register"); err != nil {
		return err
	}
	f.Regs[addr] = value
	return nil
}

func (f *Fake) WriteCommand(code uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault("write_command"); err != nil {
		return err
	}
	if f.pending {
		return &bus.Error{Op: "write_command", Err: fmt.Errorf("command %#04x still waiting for arguments", f.cmd)}
	}
	f.cmd, f.args, f.pending = code, nil, true
	return f.step()
}

func (f *Fake) WriteWords(words ...uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault("write_words"); err != nil {
		return err
	}
	if !f.pending {
		return &bus.Error{Op: "write_words", Err: errors.New("data without command")}
	}
	f.args = append(f.args, words...)
	return f.step()
}

func (f *Fake) ReadWords(n int) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault("read_words"); err != nil {
		return nil, err
	}
	if len(f.reads) < n {
		return nil, &bus.Error{Op: "read_words", Err: fmt.Errorf("%d words requested, %d available", n, len(f.reads))}
	}
	out := append([]uint16(nil), f.reads[:n]...)
	f.reads = f.reads[n:]
	return out, nil
}

func (f *Fake) WriteBulk(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault("write_bulk"); err != nil {
		return err
	}
	if f.load == nil {
		return &bus.Error{Op: "write_bulk", Err: errors.New("no image area open")}
	}
	f.loadData = append(f.loadData, data...)
	return nil
}

func (f *Fake) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fault("reset"); err != nil {
		return err
	}
	f.Resets++
	f.Regs = map[uint16]uint16{}
	f.VCOM = 0
	f.Power = PowerRun
	f.pending, f.args, f.reads, f.lutBusy = false, nil, nil, 0
	f.load, f.loadData = nil, nil
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// arity returns the number of arguments cmd needs given those received.
func (f *Fake) arity() (int, error) {
	switch f.cmd {
	case cmdSysRun, cmdStandby, cmdSleep, cmdLoadEnd, cmdGetDevInfo:
		return 0, nil
	case cmdRegRead:
		return 1, nil
	case cmdRegWrite:
		return 2, nil
	case cmdLoadArea, cmdDisplay:
		return 5, nil
	case cmdVCOM:
		if len(f.args) > 0 && f.args[0] == 1 {
			return 2, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("unknown command %#04x", f.cmd)
}

func (f *Fake) step() error {
	n, err := f.arity()
	if err != nil {
		f.pending = false
		return &bus.Error{Op: "write_command", Err: err}
	}
	if len(f.args) < n {
		return nil
	}
	if len(f.args) > n {
		f.pending = false
		return &bus.Error{Op: "write_words", Err: fmt.Errorf("command %#04x: %d arguments, want %d", f.cmd, len(f.args), n)}
	}
	f.pending = false
	if err := f.exec(); err != nil {
		return &bus.Error{Op: "write_words", Err: err}
	}
	return nil
}

func (f *Fake) exec() error {
	a := f.args
	if f.Power == PowerSleep && f.cmd != cmdSysRun {
		return fmt.Errorf("command %#04x while asleep", f.cmd)
	}
	switch f.cmd {
	case cmdSysRun:
		f.Power = PowerRun
	case cmdStandby:
		f.Power = PowerStandby
	case cmdSleep:
		// Sleep loses the host interface configuration.
		f.Power = PowerSleep
		f.Regs = map[uint16]uint16{}
	case cmdRegRead:
		f.reads = append(f.reads, f.readReg(a[0]))
	case cmdRegWrite:
		f.Regs[a[0]] = a[1]
	case cmdGetDevInfo:
		f.reads = append(f.reads, f.devInfo()...)
	case cmdVCOM:
		if a[0] == 1 {
			f.VCOM = a[1]
		} else {
			f.reads = append(f.reads, f.VCOM)
		}
	case cmdLoadArea:
		return f.openLoad(a)
	case cmdLoadEnd:
		return f.closeLoad()
	case cmdDisplay:
		if f.Power != PowerRun {
			return fmt.Errorf("display while %s", f.Power)
		}
		r := frame.Rect{X: int(a[0]), Y: int(a[1]), W: int(a[2]), H: int(a[3])}
		if r.Empty() || !r.Within(frame.Rect{W: f.Width, H: f.Height}) {
			return fmt.Errorf("display area %v out of panel", r)
		}
		f.Displays = append(f.Displays, Display{Area: r, Mode: a[4]})
		f.lutBusy = f.LUTBusyReads
	}
	return nil
}

func (f *Fake) devInfo() []uint16 {
	out := make([]uint16, 20)
	out[0] = uint16(f.Width)
	out[1] = uint16(f.Height)
	out[2] = uint16(f.ImageAddr)
	out[3] = uint16(f.ImageAddr >> 16)
	putString(out[4:12], f.Firmware)
	putString(out[12:20], f.LUT)
	return out
}

// putString stores s two bytes per word, first byte in the high half.
func putString(dst []uint16, s string) {
	for i := range dst {
		var hi, lo byte
		if 2*i < len(s) {
			hi = s[2*i]
		}
		if 2*i+1 < len(s) {
			lo = s[2*i+1]
		}
		dst[i] = uint16(hi)<<8 | uint16(lo)
	}
}

func (f *Fake) openLoad(a []uint16) error {
	if f.Power != PowerRun {
		return fmt.Errorf("image load while %s", f.Power)
	}
	if f.Regs[RegI80CPCR] != 1 {
		return errors.New("packed write not enabled")
	}
	addr := uint32(f.Regs[RegLISARHi])<<16 | uint32(f.Regs[RegLISARLow])
	if addr != f.ImageAddr {
		return fmt.Errorf("image buffer address %#x, want %#x", addr, f.ImageAddr)
	}
	var bpp int
	switch (a[0] >> 4) & 0x7 {
	case 0:
		bpp = 2
	case 2:
		bpp = 4
	case 3:
		bpp = 8
	default:
		return fmt.Errorf("unsupported pixel format %#x", a[0])
	}
	r := frame.Rect{X: int(a[1]), Y: int(a[2]), W: int(a[3]), H: int(a[4])}
	per := 16 / bpp
	if r.Empty() || !r.Within(frame.Rect{W: f.Width, H: f.Height}) || r.X%per != 0 || r.W%per != 0 {
		return fmt.Errorf("image area %v invalid for %dbpp", r, bpp)
	}
	f.load = &Load{Area: r, Bpp: bpp}
	f.loadData = nil
	return nil
}

func (f *Fake) closeLoad() error {
	if f.load == nil {
		return errors.New("load end without load area")
	}
	l := *f.load
	data := f.loadData
	f.load, f.loadData = nil, nil

	per := 16 / l.Bpp
	want := l.Area.W / per * l.Area.H * 2
	if len(data) != want {
		return fmt.Errorf("image area %v: %d bytes, want %d", l.Area, len(data), want)
	}
	mask := uint16(1)<<l.Bpp - 1
	i := 0
	for y := l.Area.Y; y < l.Area.Y+l.Area.H; y++ {
		for x := l.Area.X; x < l.Area.X+l.Area.W; x += per {
			w := uint16(data[i])<<8 | uint16(data[i+1])
			i += 2
			for k := 0; k < per; k++ {
				f.Pixels[y*f.Width+x+k] = uint8(w >> (k * l.Bpp) & mask)
			}
		}
	}
	f.Loads = append(f.Loads, l)
	return nil
}

var _ bus.Transport = (*Fake)(nil)
