package epd

import (
	"fmt"
	"strings"

	"pical/internal/frame"
)

// Opcode is an IT8951 host command code.
type Opcode uint16

const (
	OpSysRun        Opcode = 0x0001
	OpStandby       Opcode = 0x0002
	OpSleep         Opcode = 0x0003
	OpRegRead       Opcode = 0x0010
	OpRegWrite      Opcode = 0x0011
	OpLoadImageArea Opcode = 0x0021
	OpLoadImageEnd  Opcode = 0x0022
	OpDisplayArea   Opcode = 0x0034
	OpVCOM          Opcode = 0x0039
	OpGetDevInfo    Opcode = 0x0302
)

func (o Opcode) String() string {
	switch o {
	case OpSysRun:
		return "SYS_RUN"
	case OpStandby:
		return "STANDBY"
	case OpSleep:
		return "SLEEP"
	case OpRegRead:
		return "REG_RD"
	case OpRegWrite:
		return "REG_WR"
	case OpLoadImageArea:
		return "LD_IMG_AREA"
	case OpLoadImageEnd:
		return "LD_IMG_END"
	case OpDisplayArea:
		return "DPY_AREA"
	case OpVCOM:
		return "VCOM"
	case OpGetDevInfo:
		return "GET_DEV_INFO"
	}
	return fmt.Sprintf("Opcode(%#04x)", uint16(o))
}

// Registers used by the driver.
const (
	regI80CPCR  uint16 = 0x0004 // packed write enable
	regLISARLow uint16 = 0x0208 // image buffer address, low word
	regLISARHi  uint16 = 0x020A // image buffer address, high word
	regLUTAFSR  uint16 = 0x1224 // display engine status, 0 when idle
)

// devInfoWords is the length of the GET_DEV_INFO reply.
const devInfoWords = 20

// Command is one host command with its argument words.
type Command struct {
	Op   Opcode
	Args []uint16
}

func (c Command) String() string {
	return fmt.Sprintf("%s%v", c.Op, c.Args)
}

func checkArity(c Command) error {
	want := -1
	switch c.Op {
	case OpSysRun, OpStandby, OpSleep, OpLoadImageEnd, OpGetDevInfo:
		want = 0
	case OpRegRead:
		want = 1
	case OpRegWrite:
		want = 2
	case OpLoadImageArea, OpDisplayArea:
		want = 5
	case OpVCOM:
		// VCOM takes [0] to read and [1, mV] to write.
		switch {
		case len(c.Args) == 1 && c.Args[0] == 0:
			return nil
		case len(c.Args) == 2 && c.Args[0] == 1:
			return nil
		}
		return fmt.Errorf("epd: %s: invalid arguments %v", c.Op, c.Args)
	default:
		return fmt.Errorf("epd: unknown opcode %#04x", uint16(c.Op))
	}
	if len(c.Args) != want {
		return fmt.Errorf("epd: %s takes %d arguments, got %d", c.Op, want, len(c.Args))
	}
	return nil
}

// Encode returns the command word followed by its arguments.
func (c Command) Encode() ([]uint16, error) {
	if err := checkArity(c); err != nil {
		return nil, err
	}
	out := make([]uint16, 0, 1+len(c.Args))
	out = append(out, uint16(c.Op))
	return append(out, c.Args...), nil
}

// DecodeCommand is the inverse of Encode.
func DecodeCommand(words []uint16) (Command, error) {
	if len(words) == 0 {
		return Command{}, fmt.Errorf("epd: empty command")
	}
	c := Command{Op: Opcode(words[0])}
	if len(words) > 1 {
		c.Args = append([]uint16(nil), words[1:]...)
	}
	if err := checkArity(c); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Pixel format codes of LD_IMG_AREA.
const (
	bppCode2 = 0
	bppCode4 = 2
	bppCode8 = 3

	endianLittle = 0
	rotate0      = 0
)

func bppCode(bpp int) (uint16, bool) {
	switch bpp {
	case 2:
		return bppCode2, true
	case 4:
		return bppCode4, true
	case 8:
		return bppCode8, true
	}
	return 0, false
}

func cmdSysRun() Command { return Command{Op: OpSysRun} }
func cmdStandby() Command { return Command{Op: OpStandby} }
func cmdSleep() Command { return Command{Op: OpSleep} }
func cmdGetDevInfo() Command {
	return Command{Op: OpGetDevInfo}
}

func cmdSetVCOM(mv uint16) Command {
	return Command{Op: OpVCOM, Args: []uint16{1, mv}}
}

func cmdLoadImageArea(bpp int, r frame.Rect) Command {
	code, _ := bppCode(bpp)
	return Command{Op: OpLoadImageArea, Args: []uint16{
		endianLittle<<8 | code<<4 | rotate0,
		uint16(r.X), uint16(r.Y), uint16(r.W), uint16(r.H),
	}}
}

func cmdLoadImageEnd() Command { return Command{Op: OpLoadImageEnd} }

func cmdDisplayArea(r frame.Rect, waveform uint16) Command {
	return Command{Op: OpDisplayArea, Args: []uint16{
		uint16(r.X), uint16(r.Y), uint16(r.W), uint16(r.H), waveform,
	}}
}

// DevInfo is the controller's GET_DEV_INFO reply.
type DevInfo struct {
	Width     int
	Height    int
	ImageAddr uint32
	Firmware  string
	LUT       string
}

// DecodeDevInfo parses the 20-word GET_DEV_INFO reply.
func DecodeDevInfo(words []uint16) (DevInfo, error) {
	if len(words) != devInfoWords {
		return DevInfo{}, fmt.Errorf("epd: device info is %d words, want %d", len(words), devInfoWords)
	}
	return DevInfo{
		Width:     int(words[0]),
		Height:    int(words[1]),
		ImageAddr: uint32(words[3])<<16 | uint32(words[2]),
		Firmware:  wordString(words[4:12]),
		LUT:       wordString(words[12:20]),
	}, nil
}

func wordString(words []uint16) string {
	b := make([]byte, 0, 2*len(words))
	for _, w := range words {
		b = append(b, byte(w>>8), byte(w))
	}
	return strings.TrimRight(string(b), "\x00 ")
}
