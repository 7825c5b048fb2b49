package bus

import (
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIConfig selects the port and pins of an IT8951 HAT. The defaults match
// the Waveshare HAT wiring on a Raspberry Pi.
type SPIConfig struct {
	// Port is the periph.io SPI port name; "" opens the first port.
	Port string
	// Hz is the bus clock.
	Hz int64
	// ResetPin and BusyPin are periph.io GPIO names (e.g. "GPIO17").
	ResetPin string
	BusyPin  string
	// OpTimeout bounds the ready wait before every transaction.
	OpTimeout time.Duration
}

const (
	defaultSPIHz     = 12_000_000
	defaultResetPin  = "GPIO17"
	defaultBusyPin   = "GPIO24"
	defaultOpTimeout = 5 * time.Second
	defaultMaxTx     = 4096
	pollInterval     = time.Millisecond
)

// SPI is a Transport over a periph.io SPI connection plus the reset and
// HRDY lines. HRDY high means the controller accepts a transaction.
type SPI struct {
	c         spi.Conn
	closer    func() error
	rst       gpio.PinOut
	busy      gpio.PinIn
	opTimeout time.Duration
	maxTx     int

	// sleep and now are replaced in tests.
	sleep func(time.Duration)
	now   func() time.Time
}

// OpenSPI initialises the periph.io host drivers, opens the SPI port and
// claims the reset and busy pins.
func OpenSPI(cfg SPIConfig) (*SPI, error) {
	if cfg.Hz <= 0 {
		cfg.Hz = defaultSPIHz
	}
	if cfg.ResetPin == "" {
		cfg.ResetPin = defaultResetPin
	}
	if cfg.BusyPin == "" {
		cfg.BusyPin = defaultBusyPin
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("bus: periph host init failed: %w", err)
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("bus: failed to open SPI port %q: %w", cfg.Port, err)
	}
	c, err := port.Connect(physic.Frequency(cfg.Hz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("bus: failed to connect SPI: %w", err)
	}

	rst := gpioreg.ByName(cfg.ResetPin)
	if rst == nil {
		_ = port.Close()
		return nil, fmt.Errorf("bus: gpio %s not found", cfg.ResetPin)
	}
	if err := rst.Out(gpio.High); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("bus: gpio %s Out failed: %w", cfg.ResetPin, err)
	}
	busy := gpioreg.ByName(cfg.BusyPin)
	if busy == nil {
		_ = port.Close()
		return nil, fmt.Errorf("bus: gpio %s not found", cfg.BusyPin)
	}
	if err := busy.In(gpio.PullDown, gpio.NoEdge); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("bus: gpio %s In failed: %w", cfg.BusyPin, err)
	}

	s := NewSPI(c, rst, busy, cfg.OpTimeout)
	s.closer = port.Close
	return s, nil
}

// NewSPI wraps an already connected SPI conn and pins.
func NewSPI(c spi.Conn, rst gpio.PinOut, busy gpio.PinIn, opTimeout time.Duration) *SPI {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	maxTx := defaultMaxTx
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		maxTx = l.MaxTxSize()
	}
	return &SPI{
		c:         c,
		rst:       rst,
		busy:      busy,
		opTimeout: opTimeout,
		maxTx:     maxTx,
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

func (s *SPI) String() string {
	return fmt.Sprintf("bus.SPI{%s}", s.c)
}

// WaitReady polls HRDY until it is high.
func (s *SPI) WaitReady(timeout time.Duration) error {
	deadline := s.now().Add(timeout)
	for s.busy.Read() == gpio.Low {
		if !s.now().Before(deadline) {
			return timeoutError("wait_ready", timeout)
		}
		s.sleep(pollInterval)
	}
	return nil
}

func (s *SPI) tx(op string, w, r []byte) error {
	if err := s.WaitReady(s.opTimeout); err != nil {
		return &Error{Op: op, Err: err}
	}
	if err := s.c.Tx(w, r); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}

func frameWords(preamble uint16, words []uint16) []byte {
	buf := make([]byte, 2+2*len(words))
	binary.BigEndian.PutUint16(buf, preamble)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[2+2*i:], w)
	}
	return buf
}

func (s *SPI) WriteCommand(code uint16) error {
	return s.tx("write_command", frameWords(preambleCommand, []uint16{code}), nil)
}

func (s *SPI) WriteWords(words ...uint16) error {
	if len(words) == 0 {
		return nil
	}
	return s.tx("write_words", frameWords(preambleWrite, words), nil)
}

// ReadWords clocks out the read preamble and one dummy word, then n words.
func (s *SPI) ReadWords(n int) ([]uint16, error) {
	if n <= 0 {
		return nil, nil
	}
	w := make([]byte, 4+2*n)
	binary.BigEndian.PutUint16(w, preambleRead)
	r := make([]byte, len(w))
	if err := s.tx("read_words", w, r); err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(r[4+2*i:])
	}
	return out, nil
}

// WriteBulk sends data in transfers no larger than the port limit. Each
// transfer carries its own write preamble.
func (s *SPI) WriteBulk(data []byte) error {
	if len(data)%2 != 0 {
		return &Error{Op: "write_bulk", Err: fmt.Errorf("odd length %d", len(data))}
	}
	chunk := (s.maxTx - 2) &^ 1
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		buf := make([]byte, 2+end-off)
		binary.BigEndian.PutUint16(buf, preambleWrite)
		copy(buf[2:], data[off:end])
		if err := s.tx("write_bulk", buf, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *SPI) ReadRegister(addr uint16) (uint16, error) {
	if err := s.WriteCommand(cmdRegisterRead); err != nil {
		return 0, err
	}
	if err := s.WriteWords(addr); err != nil {
		return 0, err
	}
	words, err := s.ReadWords(1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

func (s *SPI) WriteRegister(addr, value uint16) error {
	if err := s.WriteCommand(cmdRegisterWrite); err != nil {
		return err
	}
	if err := s.WriteWords(addr); err != nil {
		return err
	}
	return s.WriteWords(value)
}

// Reset drives the reset line high, low, then high again.
func (s *SPI) Reset() error {
	for _, step := range []struct {
		l gpio.Level
		d time.Duration
	}{
		{gpio.High, 200 * time.Millisecond},
		{gpio.Low, 10 * time.Millisecond},
		{gpio.High, 200 * time.Millisecond},
	} {
		if err := s.rst.Out(step.l); err != nil {
			return &Error{Op: "reset", Err: err}
		}
		s.sleep(step.d)
	}
	return nil
}

func (s *SPI) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer()
	s.closer = nil
	return err
}

var _ Transport = (*SPI)(nil)
