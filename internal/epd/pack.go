package epd

import "pical/internal/frame"

// Pack converts the pixels of r into IT8951 wire words at bpp bits per
// pixel. Pixel i of a word occupies bits [i*bpp, (i+1)*bpp); each word is
// emitted high byte first. r.X and r.W must be multiples of 16/bpp.
func Pack(fb *frame.Buffer, r frame.Rect, bpp int) []byte {
	per := 16 / bpp
	scale := rescaler(fb.Depth, bpp)
	out := make([]byte, 0, r.W/per*r.H*2)
	for y := r.Y; y < r.Y+r.H; y++ {
		row := fb.Row(y, r.X, r.X+r.W)
		for x := 0; x < len(row); x += per {
			var w uint16
			for k := 0; k < per; k++ {
				w |= uint16(scale[row[x+k]]) << (k * bpp)
			}
			out = append(out, byte(w>>8), byte(w))
		}
	}
	return out
}

// rescaler returns a lookup table mapping every value at depth d to the
// nearest value at bpp bits.
func rescaler(d frame.Depth, bpp int) [256]uint8 {
	var lut [256]uint8
	src := int(d.Max())
	dst := 1<<bpp - 1
	for v := 0; v <= src; v++ {
		lut[v] = uint8((v*dst*2 + src) / (2 * src))
	}
	// Out-of-range input clamps to white.
	for v := src + 1; v < len(lut); v++ {
		lut[v] = uint8(dst)
	}
	return lut
}
