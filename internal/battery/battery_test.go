package battery

import (
	"context"
	"errors"
	"testing"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func playbackReader(ops []i2ctest.IO) *i2cReader {
	r := NewI2CReader("", 0x57).(*i2cReader)
	r.open = func(string) (i2c.BusCloser, error) {
		return &i2ctest.Playback{Ops: ops, DontPanic: true}, nil
	}
	return r
}

func TestI2CRead(t *testing.T) {
	r := playbackReader([]i2ctest.IO{
		{Addr: 0x57, W: []byte{0x22}, R: []byte{0x0F}},
		{Addr: 0x57, W: []byte{0x23}, R: []byte{0xA0}},
		{Addr: 0x57, W: []byte{0x2A}, R: []byte{87}},
	})
	st, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if st.Percent != 87 || st.VoltageMv != 4000 {
		t.Errorf("Read() = %+v, want 87%% 4000mV", st)
	}
	if got := st.String(); got != "87% (4.00V)" {
		t.Errorf("String() = %q", got)
	}
}

func TestI2CReadClampsPercent(t *testing.T) {
	r := playbackReader([]i2ctest.IO{
		{Addr: 0x57, W: []byte{0x22}, R: []byte{0x10}},
		{Addr: 0x57, W: []byte{0x23}, R: []byte{0x68}},
		{Addr: 0x57, W: []byte{0x2A}, R: []byte{140}},
	})
	st, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if st.Percent != 100 {
		t.Errorf("Percent = %d, want 100", st.Percent)
	}
}

func TestI2CReadErrors(t *testing.T) {
	// Playback runs out of ops after the first register.
	r := playbackReader([]i2ctest.IO{{Addr: 0x57, W: []byte{0x22}, R: []byte{0x0F}}})
	if _, err := r.Read(context.Background()); err == nil {
		t.Error("Read() with a failing transfer succeeded")
	}

	r.open = func(string) (i2c.BusCloser, error) { return nil, errors.New("no bus") }
	if _, err := r.Read(context.Background()); err == nil {
		t.Error("Read() with a failing open succeeded")
	}
}

func TestMockRead(t *testing.T) {
	m := NewMockReader()
	for range 20 {
		st, err := m.Read(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if st.Percent < 20 || st.Percent > 100 {
			t.Fatalf("mock Percent = %d", st.Percent)
		}
	}
	if got := (Status{Percent: 55}).String(); got != "55%" {
		t.Errorf("String() = %q", got)
	}
}
