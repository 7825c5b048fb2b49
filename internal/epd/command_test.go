package epd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pical/internal/frame"
)

func TestCommandEncode(t *testing.T) {
	for _, tc := range []struct {
		cmd  Command
		want []uint16
	}{
		{cmdSysRun(), []uint16{0x0001}},
		{cmdSleep(), []uint16{0x0003}},
		{cmdGetDevInfo(), []uint16{0x0302}},
		{cmdSetVCOM(1670), []uint16{0x0039, 1, 1670}},
		{cmdLoadImageArea(4, frame.Rect{X: 16, Y: 2, W: 32, H: 8}), []uint16{0x0021, 0x0020, 16, 2, 32, 8}},
		{cmdLoadImageArea(8, frame.Rect{W: 2, H: 1}), []uint16{0x0021, 0x0030, 0, 0, 2, 1}},
		{cmdDisplayArea(frame.Rect{X: 1, Y: 2, W: 3, H: 4}, WaveformGC16), []uint16{0x0034, 1, 2, 3, 4, 2}},
	} {
		t.Run(tc.cmd.Op.String(), func(t *testing.T) {
			got, err := tc.cmd.Encode()
			if err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Encode() difference (-got +want):\n%s", diff)
			}
			back, err := DecodeCommand(got)
			if err != nil {
				t.Fatalf("DecodeCommand() failed: %v", err)
			}
			if diff := cmp.Diff(back, tc.cmd); diff != "" {
				t.Errorf("DecodeCommand() difference (-got +want):\n%s", diff)
			}
		})
	}
}

func TestCommandArity(t *testing.T) {
	for _, c := range []Command{
		{Op: OpSysRun, Args: []uint16{1}},
		{Op: OpRegWrite, Args: []uint16{1}},
		{Op: OpDisplayArea, Args: []uint16{0, 0, 8, 8}},
		{Op: OpVCOM, Args: []uint16{1}},
		{Op: OpVCOM, Args: []uint16{2, 1500}},
		{Op: Opcode(0x7777)},
	} {
		if _, err := c.Encode(); err == nil {
			t.Errorf("Encode(%v) succeeded", c)
		}
	}
	if _, err := DecodeCommand(nil); err == nil {
		t.Error("DecodeCommand(nil) succeeded")
	}
}

func TestDecodeDevInfo(t *testing.T) {
	words := make([]uint16, 20)
	words[0], words[1] = 1872, 1404
	words[2], words[3] = 0x36E0, 0x0012
	// "SWv_0.1" then padding.
	copy(words[4:], []uint16{'S'<<8 | 'W', 'v'<<8 | '_', '0'<<8 | '.', '1' << 8})
	copy(words[12:], []uint16{'M'<<8 | '8', '4'<<8 | '1'})

	got, err := DecodeDevInfo(words)
	if err != nil {
		t.Fatalf("DecodeDevInfo() failed: %v", err)
	}
	want := DevInfo{Width: 1872, Height: 1404, ImageAddr: 0x001236E0, Firmware: "SWv_0.1", LUT: "M841"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("DecodeDevInfo() difference (-got +want):\n%s", diff)
	}

	if _, err := DecodeDevInfo(words[:19]); err == nil {
		t.Error("DecodeDevInfo(19 words) succeeded")
	}
}
