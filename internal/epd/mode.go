package epd

import "fmt"

// Mode is the refresh quality requested for a region.
type Mode int

const (
	// Full uses the high-fidelity grayscale waveform and clears ghosting.
	Full Mode = iota
	// Partial is a faster grayscale update that accumulates ghosting.
	Partial
	// FastMonochrome is the fastest, black and white only.
	FastMonochrome
)

func (m Mode) String() string {
	switch m {
	case Full:
		return "full"
	case Partial:
		return "partial"
	case FastMonochrome:
		return "fast"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// IT8951 waveform numbers.
const (
	WaveformINIT uint16 = 0
	WaveformDU   uint16 = 1
	WaveformGC16 uint16 = 2
	WaveformGL16 uint16 = 3
	WaveformA2   uint16 = 6
	WaveformDU4  uint16 = 7
)

// Waveforms maps refresh modes to controller waveform numbers. Panels ship
// with different LUTs so the mapping is configurable.
type Waveforms struct {
	Full    uint16
	Partial uint16
	Fast    uint16
}

// DefaultWaveforms suit the 6" and 7.8" panels sold with the IT8951 HAT.
var DefaultWaveforms = Waveforms{Full: WaveformGC16, Partial: WaveformDU4, Fast: WaveformA2}

func (w Waveforms) For(m Mode) uint16 {
	switch m {
	case Partial:
		return w.Partial
	case FastMonochrome:
		return w.Fast
	}
	return w.Full
}

// State is the session's position in the controller state machine.
type State int

const (
	Uninitialized State = iota
	Ready
	LoadingImage
	Refreshing
	PoweredDown
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case LoadingImage:
		return "loading_image"
	case Refreshing:
		return "refreshing"
	case PoweredDown:
		return "powered_down"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LowPower selects the controller command used by EnterLowPower.
type LowPower int

const (
	// Sleep powers down the controller; its configuration is lost.
	Sleep LowPower = iota
	// Standby keeps the clocks running for a faster resume.
	Standby
)

// ParseLowPower accepts "sleep" and "standby".
func ParseLowPower(s string) (LowPower, error) {
	switch s {
	case "", "sleep":
		return Sleep, nil
	case "standby":
		return Standby, nil
	}
	return Sleep, fmt.Errorf("epd: unknown low power mode %q", s)
}
