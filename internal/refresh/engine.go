// Package refresh decides how each new frame reaches the panel: which
// regions changed, which waveform each gets, and when a full refresh is due
// to clear ghosting. The Engine is the only writer of the refresh state.
package refresh

import (
	"errors"
	"fmt"
	"sync"

	"pical/internal/epd"
	"pical/internal/frame"
	appLog "pical/internal/log"
)

// Controller is the part of an epd.Session the engine drives.
type Controller interface {
	LoadImage(r frame.Rect, fb *frame.Buffer) error
	TriggerRefresh(r frame.Rect, mode epd.Mode) error
	EnterLowPower() error
	Resume() error
	Alignment() int
	Bounds() frame.Rect
}

// Power is the controller power state as last set through the engine.
type Power int

const (
	Active Power = iota
	Standby
	Asleep
)

func (p Power) String() string {
	switch p {
	case Active:
		return "active"
	case Standby:
		return "standby"
	case Asleep:
		return "sleep"
	}
	return fmt.Sprintf("Power(%d)", int(p))
}

// Options tunes the policy.
type Options struct {
	// FullEvery forces a full-panel refresh after this many cycles with
	// partial updates. Zero disables forcing.
	FullEvery int
	// TileSize and MaxRegions are passed to frame.Diff.
	TileSize   int
	MaxRegions int
	// PartialMaxArea is the fraction of the panel below which a region
	// uses the Partial waveform; larger regions use Full.
	PartialMaxArea float64
	// FastMaxArea is the fraction of the panel up to which a black and
	// white region uses FastMonochrome. Zero disables it.
	FastMaxArea float64
	// LowPower is the power state EnterLowPower leads to.
	LowPower epd.LowPower
}

var DefaultOptions = Options{
	FullEvery:      10,
	TileSize:       frame.DefaultTileSize,
	MaxRegions:     8,
	PartialMaxArea: 0.5,
}

// State is the refresh state carried between cycles.
type State struct {
	// Previous is the last committed frame; nil before the first cycle.
	Previous *frame.Buffer
	// PartialCount counts committed cycles with partial updates since the
	// last full-panel refresh.
	PartialCount int
	Power        Power
}

// Applied is one region sent to the controller.
type Applied struct {
	Region frame.Rect
	Mode   epd.Mode
}

// Result describes one Apply call.
type Result struct {
	Regions []Applied
	// Full is set when the whole panel was refreshed.
	Full bool
	// Skipped is set when the frame equals the committed one.
	Skipped bool
}

// Engine applies frames to a controller.
type Engine struct {
	ctrl Controller
	opts Options

	mu    sync.Mutex
	state State
}

func NewEngine(ctrl Controller, opts Options) *Engine {
	if opts.TileSize <= 0 {
		opts.TileSize = frame.DefaultTileSize
	}
	return &Engine{ctrl: ctrl, opts: opts}
}

// Snapshot returns a copy of the current state. The previous frame is
// shared and must not be modified.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Invalidate forgets the committed frame so the next cycle is a full
// refresh. Used after the controller was reset.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Previous = nil
	e.state.Power = Active
}

// EnterLowPower powers the controller down between cycles.
func (e *Engine) EnterLowPower() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Power != Active {
		return nil
	}
	if err := e.ctrl.EnterLowPower(); err != nil {
		return err
	}
	e.state.Power = Asleep
	if e.opts.LowPower == epd.Standby {
		e.state.Power = Standby
	}
	return nil
}

// Resume wakes the controller if it was powered down.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeLocked()
}

func (e *Engine) resumeLocked() error {
	if e.state.Power == Active {
		return nil
	}
	if err := e.ctrl.Resume(); err != nil {
		return err
	}
	e.state.Power = Active
	return nil
}

// mode picks the waveform for a region of next that is not a forced full
// refresh.
func (e *Engine) mode(next *frame.Buffer, r frame.Rect) epd.Mode {
	panel := float64(next.Width * next.Height)
	area := float64(r.Area())
	if e.opts.FastMaxArea > 0 && area <= e.opts.FastMaxArea*panel && bilevel(next, r) {
		return epd.FastMonochrome
	}
	if area < e.opts.PartialMaxArea*panel {
		return epd.Partial
	}
	return epd.Full
}

// bilevel reports whether every pixel of r is black or white.
func bilevel(fb *frame.Buffer, r frame.Rect) bool {
	white := fb.Depth.Max()
	for y := r.Y; y < r.Y+r.H; y++ {
		for _, v := range fb.Row(y, r.X, r.X+r.W) {
			if v != 0 && v != white {
				return false
			}
		}
	}
	return true
}

// Apply brings the panel to next and commits it. On error nothing is
// committed, so the next cycle diffs against the old frame again and
// resends whatever may have failed.
func (e *Engine) Apply(next *frame.Buffer) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bounds := e.ctrl.Bounds()
	if next == nil || next.Bounds() != bounds {
		return Result{}, fmt.Errorf("refresh: frame %v does not match panel %v", next, bounds)
	}
	prev := e.state.Previous
	if prev != nil && !prev.SameShape(next) {
		prev = nil
	}

	var (
		res     Result
		regions []frame.Rect
	)
	if prev != nil {
		var err error
		regions, err = frame.Diff(prev, next, frame.DiffOptions{TileSize: e.opts.TileSize, MaxRegions: e.opts.MaxRegions})
		if err != nil {
			return Result{}, fmt.Errorf("refresh: diff: %w", err)
		}
		if len(regions) == 0 {
			res.Skipped = true
			return res, nil
		}
	}

	forced := e.opts.FullEvery > 0 && e.state.PartialCount >= e.opts.FullEvery
	var plan []Applied
	if prev == nil || forced {
		res.Full = true
		plan = []Applied{{Region: bounds, Mode: epd.Full}}
	} else {
		for _, r := range regions {
			plan = append(plan, Applied{Region: r, Mode: e.mode(next, r)})
		}
	}

	if err := e.resumeLocked(); err != nil {
		return res, fmt.Errorf("refresh: resume: %w", err)
	}

	partial := false
	align := e.ctrl.Alignment()
	for i, a := range plan {
		if err := e.ctrl.LoadImage(a.Region.Align(align, bounds), next); err != nil {
			return res, e.regionFailed(i, len(plan), a, err)
		}
		if err := e.ctrl.TriggerRefresh(a.Region, a.Mode); err != nil {
			return res, e.regionFailed(i, len(plan), a, err)
		}
		res.Regions = append(res.Regions, a)
		if a.Mode != epd.Full {
			partial = true
		}
	}

	e.state.Previous = next.Clone()
	switch {
	case res.Full:
		e.state.PartialCount = 0
	case partial:
		e.state.PartialCount++
	}
	appLog.Debug("refresh: cycle committed",
		"regions", len(res.Regions), "full", res.Full, "partial_count", e.state.PartialCount)
	return res, nil
}

func (e *Engine) regionFailed(i, n int, a Applied, err error) error {
	var re *epd.RegionError
	if errors.As(err, &re) {
		// Diff and alignment should never produce a rejected rectangle.
		appLog.Error("refresh: controller rejected region", err,
			"region", a.Region, "mode", a.Mode, "index", i+1, "of", n)
	}
	return fmt.Errorf("refresh: region %d/%d %v %s: %w", i+1, n, a.Region, a.Mode, err)
}
