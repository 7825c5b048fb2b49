package epd

import (
	"errors"
	"fmt"

	"pical/internal/bus"
	"pical/internal/frame"
)

// ErrState is returned when an operation is not valid in the session's
// current state, e.g. an image load while powered down.
var ErrState = errors.New("epd: invalid session state")

// HandshakeError means the controller could not be brought up. It is fatal
// at startup.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return "epd: handshake failed: " + e.Reason
	}
	return fmt.Sprintf("epd: handshake failed: %s: %v", e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RegionError reports a rectangle the controller cannot accept. It points
// to a bug in region computation, not a hardware fault.
type RegionError struct {
	Rect   frame.Rect
	Reason string
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("epd: region %v: %s", e.Rect, e.Reason)
}

// IsHardware reports whether err is a bus or timeout failure worth an
// immediate retry. Region and state errors never are.
func IsHardware(err error) bool {
	if err == nil {
		return false
	}
	var re *RegionError
	if errors.As(err, &re) || errors.Is(err, ErrState) {
		return false
	}
	var be *bus.Error
	return errors.As(err, &be) || errors.Is(err, bus.ErrTimeout)
}
