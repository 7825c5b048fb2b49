// Package bus is the physical link to the display controller: register
// access, bulk data transfer and the hardware ready line. It implements the
// IT8951 host interface framing over SPI but carries no protocol policy and
// never retries; callers decide what to do with a failure.
package bus

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is wrapped by an *Error when the controller did not signal
// ready in time.
var ErrTimeout = errors.New("timeout")

// Error is a transport-level failure: a timeout, a failed transfer or a
// malformed reply.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport is the byte-level boundary between the protocol driver and the
// hardware. All calls block until the transfer is complete.
type Transport interface {
	// ReadRegister reads a 16-bit controller register.
	ReadRegister(addr uint16) (uint16, error)
	// WriteRegister writes a 16-bit controller register.
	WriteRegister(addr, value uint16) error
	// WriteBulk streams pre-packed data words (big-endian byte pairs).
	WriteBulk(data []byte) error
	// WaitReady blocks until the ready line is asserted or timeout elapses.
	WaitReady(timeout time.Duration) error

	// WriteCommand sends a command code.
	WriteCommand(code uint16) error
	// WriteWords sends command arguments or other data words.
	WriteWords(words ...uint16) error
	// ReadWords reads n data words.
	ReadWords(n int) ([]uint16, error)
	// Reset pulses the controller's hardware reset line.
	Reset() error
	// Close releases the underlying port.
	Close() error
}

// Host interface preambles and register commands.
const (
	preambleCommand uint16 = 0x6000
	preambleWrite   uint16 = 0x0000
	preambleRead    uint16 = 0x1000

	cmdRegisterRead  uint16 = 0x0010
	cmdRegisterWrite uint16 = 0x0011
)

func timeoutError(op string, d time.Duration) error {
	return &Error{Op: op, Err: fmt.Errorf("%w after %s", ErrTimeout, d)}
}
