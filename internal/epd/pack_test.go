package epd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pical/internal/frame"
)

func bufferOf(t *testing.T, depth frame.Depth, w int, pix ...uint8) *frame.Buffer {
	t.Helper()
	fb, err := frame.New(w, len(pix)/w, depth)
	if err != nil {
		t.Fatal(err)
	}
	copy(fb.Pix, pix)
	return fb
}

func TestPack(t *testing.T) {
	for _, tc := range []struct {
		name string
		fb   *frame.Buffer
		r    frame.Rect
		bpp  int
		want []byte
	}{
		{
			name: "4bpp",
			fb:   bufferOf(t, 4, 4, 1, 2, 3, 4),
			r:    frame.Rect{W: 4, H: 1},
			bpp:  4,
			want: []byte{0x43, 0x21},
		},
		{
			name: "8bpp",
			fb:   bufferOf(t, 8, 2, 0x10, 0x20),
			r:    frame.Rect{W: 2, H: 1},
			bpp:  8,
			want: []byte{0x20, 0x10},
		},
		{
			name: "2bpp",
			fb:   bufferOf(t, 2, 8, 0, 1, 2, 3, 3, 2, 1, 0),
			r:    frame.Rect{W: 8, H: 1},
			bpp:  2,
			want: []byte{0x1B, 0xE4},
		},
		{
			name: "4bit frame on 8bpp wire",
			fb:   bufferOf(t, 4, 2, 15, 0),
			r:    frame.Rect{W: 2, H: 1},
			bpp:  8,
			want: []byte{0x00, 0xFF},
		},
		{
			name: "4bit frame on 2bpp wire",
			fb:   bufferOf(t, 4, 8, 0, 5, 10, 15, 8, 7, 15, 15),
			r:    frame.Rect{W: 8, H: 1},
			bpp:  2,
			// 0,1,2,3 then 2,1,3,3
			want: []byte{0xF6, 0xE4},
		},
		{
			name: "sub rectangle",
			fb: bufferOf(t, 4, 8,
				0, 0, 0, 0, 1, 1, 1, 1,
				0, 0, 0, 0, 2, 3, 4, 5),
			r:    frame.Rect{X: 4, Y: 1, W: 4, H: 1},
			bpp:  4,
			want: []byte{0x54, 0x32},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(Pack(tc.fb, tc.r, tc.bpp), tc.want); diff != "" {
				t.Errorf("Pack() difference (-got +want):\n%s", diff)
			}
		})
	}
}
