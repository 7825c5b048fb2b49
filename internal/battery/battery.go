package battery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PiSugar3 registers.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// Status represents current battery status for the footer and status API.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, if known.
	VoltageMv int `json:"voltage_mv"`
}

func (s Status) String() string {
	if s.VoltageMv > 0 {
		return fmt.Sprintf("%d%% (%.2fV)", s.Percent, float64(s.VoltageMv)/1000)
	}
	return fmt.Sprintf("%d%%", s.Percent)
}

// Reader abstracts how we obtain battery information. This allows us to have
// a mock implementation for development and an actual PiSugar3 I2C-backed
// implementation for Raspberry Pi.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// mockReader is used for demo/development. It returns a pseudo-random
// percentage and no real voltage information.
type mockReader struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockReader constructs a mock Reader that generates random percentages.
func NewMockReader() Reader {
	return &mockReader{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *mockReader) Read(_ context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Percent: 20 + m.rnd.Intn(81)}, nil // 20..100 inclusive
}

// i2cReader talks to a PiSugar3-compatible gauge:
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
//   - 0x2A: battery percentage (0–100)
type i2cReader struct {
	busName string
	addr    uint16

	// open is replaced in tests.
	open func(name string) (i2c.BusCloser, error)
}

// NewI2CReader constructs an I2C-backed Reader.
//
//   - busName: I2C bus identifier for periph.io ("" for default, typically /dev/i2c-1 on Raspberry Pi)
//   - addr:    7-bit I2C address of the battery controller
//
// 실제 I2C 연결/host.Init은 Read 시점에 수행한다.
func NewI2CReader(busName string, addr uint16) Reader {
	return &i2cReader{
		busName: busName,
		addr:    addr,
		open: func(name string) (i2c.BusCloser, error) {
			if runtime.GOOS != "linux" {
				return nil, errors.New("battery: i2c reader unavailable on this platform")
			}
			if _, err := host.Init(); err != nil {
				return nil, err
			}
			return i2creg.Open(name)
		},
	}
}

// Read implements Reader for the I2C-backed reader.
func (r *i2cReader) Read(_ context.Context) (Status, error) {
	bus, err := r.open(r.busName)
	if err != nil {
		return Status{}, fmt.Errorf("battery: open i2c %q: %w", r.busName, err)
	}
	defer bus.Close()
	return readGauge(&i2c.Dev{Bus: bus, Addr: r.addr})
}

func readGauge(dev *i2c.Dev) (Status, error) {
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("battery: read register %#02x: %w", reg, err)
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Percent:   int(min(pct, 100)),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

// DefaultReader returns the Reader that should be used by the main program.
//
// 우선순위:
//  1. Linux 환경에서 I2C(PiSugar3 등) 사용을 시도
//  2. 실패 시 mock 리더로 fallback
func DefaultReader(busName string, addr uint16) Reader {
	if runtime.GOOS != "linux" {
		return NewMockReader()
	}
	r := NewI2CReader(busName, addr)
	if _, err := r.Read(context.Background()); err != nil {
		return NewMockReader()
	}
	return r
}
