package convert

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/makeworld-the-better-one/dither"

	"pical/internal/frame"
)

// Options tunes image to frame conversion.
type Options struct {
	// Dither applies Floyd-Steinberg error diffusion to the panel's gray
	// palette instead of rounding each pixel to the nearest level.
	Dither bool
}

// ToFrame converts img to a width×height frame at the given depth.
//
// Behavior:
//
//   - img는 패널 크기와 다르면 비율을 유지한 채 맞추고(Lanczos), 남는 영역은 white.
//   - 투명 픽셀은 white 위에 합성한다.
//   - 밝기 Y = 0.299R + 0.587G + 0.114B 를 depth 단계로 양자화한다 (0 = black).
func ToFrame(img image.Image, width, height int, depth frame.Depth, opts Options) (*frame.Buffer, error) {
	fb, err := frame.New(width, height, depth)
	if err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("convert: empty image")
	}

	flat := fit(img, width, height)

	if opts.Dither {
		d := dither.NewDitherer(GrayPalette(depth))
		d.Matrix = dither.FloydSteinberg
		d.Serpentine = true
		if p := d.DitherPaletted(flat); p != nil {
			// Palette index == gray level.
			for y := 0; y < height; y++ {
				copy(fb.Pix[y*width:(y+1)*width], p.Pix[y*p.Stride:y*p.Stride+width])
			}
			return fb, nil
		}
	}

	white := float64(depth.Max())
	// 메인 루프: stride를 직접 사용해 At() 호출을 피한다.
	for y := 0; y < height; y++ {
		row := flat.Pix[y*flat.Stride : y*flat.Stride+4*width]
		for x := 0; x < width; x++ {
			fb.Pix[y*width+x] = level(row[4*x], row[4*x+1], row[4*x+2], white)
		}
	}
	return fb, nil
}

// fit scales img into width×height preserving aspect ratio, centers it on a
// white canvas and flattens alpha.
func fit(img image.Image, width, height int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		img = imaging.Fit(img, width, height, imaging.Lanczos)
	}
	bg := imaging.New(width, height, color.White)
	return imaging.OverlayCenter(bg, img, 1.0)
}

// level maps an opaque RGB color to a gray level in [0, white].
func level(r, g, b uint8, white float64) uint8 {
	// Luma (perceptual brightness).
	y := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	v := int(y*white/255 + 0.5)
	return uint8(min(v, int(white)))
}

// GrayPalette returns the gray levels of depth ordered black to white.
func GrayPalette(depth frame.Depth) []color.Color {
	n := int(depth.Max()) + 1
	out := make([]color.Color, n)
	for i := range out {
		v := uint8(i * 255 / (n - 1))
		out[i] = color.Gray{Y: v}
	}
	return out
}
