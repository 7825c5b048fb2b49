package convert

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"pical/internal/frame"
)

func uniform(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func TestToFrameLevels(t *testing.T) {
	for _, tc := range []struct {
		name  string
		c     color.Color
		depth frame.Depth
		want  uint8
	}{
		{"white", color.White, 4, 15},
		{"black", color.Black, 4, 0},
		{"mid gray", color.Gray{Y: 128}, 4, 8},
		{"mid gray 8bit", color.Gray{Y: 128}, 8, 128},
		{"transparent is white", color.NRGBA{}, 4, 15},
		{"pure red is dark", color.NRGBA{R: 255, A: 255}, 4, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fb, err := ToFrame(uniform(16, 8, tc.c), 16, 8, tc.depth, Options{})
			if err != nil {
				t.Fatalf("ToFrame() failed: %v", err)
			}
			for i, v := range fb.Pix {
				if v != tc.want {
					t.Fatalf("pixel %d = %d, want %d", i, v, tc.want)
				}
			}
		})
	}
}

func TestToFrameResizes(t *testing.T) {
	// A wide black image letterboxed on white.
	fb, err := ToFrame(uniform(200, 50, color.Black), 100, 100, 4, Options{})
	if err != nil {
		t.Fatalf("ToFrame() failed: %v", err)
	}
	if got := fb.At(50, 5); got != 15 {
		t.Errorf("letterbox pixel = %d, want 15", got)
	}
	if got := fb.At(50, 50); got != 0 {
		t.Errorf("center pixel = %d, want 0", got)
	}
}

func TestToFrameDither(t *testing.T) {
	// sRGB 188 is about half brightness in linear light, where the
	// ditherer diffuses error.
	fb, err := ToFrame(uniform(64, 64, color.Gray{Y: 188}), 64, 64, 1, Options{Dither: true})
	if err != nil {
		t.Fatalf("ToFrame() failed: %v", err)
	}
	whites := 0
	for _, v := range fb.Pix {
		if v > 1 {
			t.Fatalf("pixel value %d out of range", v)
		}
		whites += int(v)
	}
	if ratio := float64(whites) / float64(len(fb.Pix)); ratio < 0.35 || ratio > 0.65 {
		t.Errorf("dithered white ratio = %.2f, want about 0.5", ratio)
	}
}

func TestToFrameEmpty(t *testing.T) {
	if _, err := ToFrame(image.NewGray(image.Rect(0, 0, 0, 0)), 10, 10, 4, Options{}); err == nil {
		t.Error("ToFrame() of empty image succeeded")
	}
}

func TestGrayPalette(t *testing.T) {
	p := GrayPalette(2)
	want := []uint8{0, 85, 170, 255}
	for i, c := range p {
		if g := c.(color.Gray).Y; g != want[i] {
			t.Errorf("GrayPalette(2)[%d] = %d, want %d", i, g, want[i])
		}
	}
}
