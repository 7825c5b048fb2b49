// Package scheduler runs the refresh cadence: it asks the render pipeline
// for a frame at every scheduled tick, hands it to the refresh engine and
// contains failures so that one bad cycle never stops the next.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pical/internal/epd"
	"pical/internal/frame"
	appLog "pical/internal/log"
	"pical/internal/refresh"
)

// Producer renders one frame. It is the render pipeline contract.
type Producer interface {
	ProduceFrame(ctx context.Context, width, height int, depth frame.Depth) (*frame.Buffer, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, width, height int, depth frame.Depth) (*frame.Buffer, error)

func (f ProducerFunc) ProduceFrame(ctx context.Context, width, height int, depth frame.Depth) (*frame.Buffer, error) {
	return f(ctx, width, height, depth)
}

// Resetter re-initializes the controller after repeated failures.
type Resetter interface {
	Reset() error
}

// ErrNoFrame is returned by Tick when rendering failed and no earlier frame
// exists to show instead.
var ErrNoFrame = errors.New("scheduler: no frame available")

type Options struct {
	// Schedule is a cron expression or descriptor such as "@every 30s".
	Schedule string
	Width    int
	Height   int
	Depth    frame.Depth
	// RenderTimeout bounds one ProduceFrame call.
	RenderTimeout time.Duration
	// LowPowerAfter puts the controller in low power when the next tick
	// is further away than this. Zero disables low power.
	LowPowerAfter time.Duration
	// RecoverAfter resets the controller after this many consecutive
	// failed cycles. Zero disables recovery.
	RecoverAfter int
}

// Status is a point-in-time view of the scheduler for the status page.
type Status struct {
	Cycles              int            `json:"cycles"`
	Failures            int            `json:"failures"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Recoveries          int            `json:"recoveries"`
	LastTick            time.Time      `json:"last_tick"`
	LastSuccess         time.Time      `json:"last_success"`
	NextTick            time.Time      `json:"next_tick"`
	LastError           string         `json:"last_error,omitempty"`
	StaleFrame          bool           `json:"stale_frame"`
	LastResult          refresh.Result `json:"last_result"`
}

// Scheduler owns the controller for the lifetime of Run: nothing else may
// touch the engine or session concurrently.
type Scheduler struct {
	engine   *refresh.Engine
	session  Resetter
	producer Producer
	sched    cron.Schedule
	opts     Options

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	lastFrame *frame.Buffer

	mu     sync.Mutex
	status Status
}

func New(engine *refresh.Engine, session Resetter, producer Producer, opts Options) (*Scheduler, error) {
	sched, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", opts.Schedule, err)
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = time.Minute
	}
	return &Scheduler{
		engine:   engine,
		session:  session,
		producer: producer,
		sched:    sched,
		opts:     opts,
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Status returns a copy of the current status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) update(fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// Run ticks immediately and then at every scheduled time until ctx is
// cancelled. Cancellation is honoured between cycles. On return the
// controller has been asked to enter low power.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		if err := s.engine.EnterLowPower(); err != nil {
			appLog.Error("scheduler: low power on exit failed", err)
		}
	}()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			appLog.Warn("scheduler: cycle failed", "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		now := s.now()
		next := s.sched.Next(now)
		s.update(func(st *Status) { st.NextTick = next })
		appLog.Debug("scheduler: waiting", "next", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(next.Sub(now)):
		}
	}
}

// Tick runs one refresh cycle.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.now()
	s.update(func(st *Status) { st.LastTick = start; st.Cycles++ })

	fb, stale, err := s.produce(ctx)
	if err != nil {
		s.fail(err, false)
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	res, err := s.engine.Apply(fb)
	if err != nil && epd.IsHardware(err) {
		appLog.Warn("scheduler: refresh failed, retrying", "err", err, "attempt", 1)
		res, err = s.engine.Apply(fb)
	}
	if err != nil {
		appLog.Error("scheduler: refresh failed", err, "attempts", attempts(err), "stale_frame", stale)
		s.fail(err, true)
		return err
	}

	s.update(func(st *Status) {
		st.ConsecutiveFailures = 0
		st.LastSuccess = s.now()
		st.LastError = ""
		st.StaleFrame = stale
		st.LastResult = res
	})
	if !res.Skipped {
		appLog.Info("scheduler: refresh done",
			"regions", len(res.Regions), "full", res.Full, "stale_frame", stale,
			"took", s.now().Sub(start).Round(time.Millisecond))
	}

	s.maybeLowPower()
	return nil
}

func attempts(err error) int {
	if epd.IsHardware(err) {
		return 2
	}
	return 1
}

// produce renders a frame, falling back to the last rendered one.
func (s *Scheduler) produce(ctx context.Context) (*frame.Buffer, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, s.opts.RenderTimeout)
	defer cancel()

	fb, err := s.producer.ProduceFrame(rctx, s.opts.Width, s.opts.Height, s.opts.Depth)
	if err == nil && (fb == nil || fb.Width != s.opts.Width || fb.Height != s.opts.Height || fb.Depth != s.opts.Depth) {
		err = fmt.Errorf("scheduler: producer returned %v, want %dx%d %dbpp", fb, s.opts.Width, s.opts.Height, s.opts.Depth)
	}
	if err == nil {
		s.lastFrame = fb
		return fb, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if s.lastFrame == nil {
		appLog.Error("scheduler: render failed and no earlier frame exists", err)
		return nil, false, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	appLog.Warn("scheduler: render failed, reusing last frame", "err", err)
	return s.lastFrame, true, nil
}

// fail records a failed cycle and resets the controller once failures
// have piled up.
func (s *Scheduler) fail(err error, applyFailed bool) {
	var consecutive int
	s.update(func(st *Status) {
		st.Failures++
		st.LastError = err.Error()
		if applyFailed {
			st.ConsecutiveFailures++
		}
		consecutive = st.ConsecutiveFailures
	})
	if !applyFailed || s.opts.RecoverAfter <= 0 || consecutive < s.opts.RecoverAfter {
		return
	}

	appLog.Warn("scheduler: resetting controller", "consecutive_failures", consecutive)
	if err := s.session.Reset(); err != nil {
		appLog.Error("scheduler: controller reset failed", err)
		return
	}
	s.engine.Invalidate()
	s.update(func(st *Status) {
		st.ConsecutiveFailures = 0
		st.Recoveries++
	})
}

func (s *Scheduler) maybeLowPower() {
	if s.opts.LowPowerAfter <= 0 {
		return
	}
	now := s.now()
	if gap := s.sched.Next(now).Sub(now); gap <= s.opts.LowPowerAfter {
		return
	}
	if err := s.engine.EnterLowPower(); err != nil {
		appLog.Warn("scheduler: enter low power failed", "err", err)
	}
}
