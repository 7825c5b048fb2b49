// Package frame holds the grayscale pixel buffer produced for each refresh
// cycle and the rectangle arithmetic used to describe what changed between
// two buffers.
package frame

import (
	"fmt"
	"image"
)

// Depth is the number of significant bits stored per pixel (1..8).
type Depth uint8

// Max returns the largest pixel value representable at this depth (white).
func (d Depth) Max() uint8 {
	return uint8(1<<d - 1)
}

// Valid reports whether d is a supported depth.
func (d Depth) Valid() bool {
	return d >= 1 && d <= 8
}

// Buffer is a width×height grid of gray values, one byte per pixel, row-major.
// 0 is black, Depth.Max() is white. A Buffer handed to the refresh engine is
// treated as immutable.
type Buffer struct {
	Width  int
	Height int
	Depth  Depth
	Pix    []uint8
}

// New returns a black buffer.
func New(width, height int, depth Depth) (*Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame: invalid size %dx%d", width, height)
	}
	if !depth.Valid() {
		return nil, fmt.Errorf("frame: invalid depth %d", depth)
	}
	return &Buffer{
		Width:  width,
		Height: height,
		Depth:  depth,
		Pix:    make([]uint8, width*height),
	}, nil
}

// NewFilled returns a buffer with every pixel set to v (clamped to depth).
func NewFilled(width, height int, depth Depth, v uint8) (*Buffer, error) {
	b, err := New(width, height, depth)
	if err != nil {
		return nil, err
	}
	if v > depth.Max() {
		v = depth.Max()
	}
	for i := range b.Pix {
		b.Pix[i] = v
	}
	return b, nil
}

// Bounds returns the full-panel rectangle.
func (b *Buffer) Bounds() Rect {
	return Rect{W: b.Width, H: b.Height}
}

// At returns the pixel value at (x, y). Out-of-range coordinates read as 0.
func (b *Buffer) At(x, y int) uint8 {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return 0
	}
	return b.Pix[y*b.Width+x]
}

// Row returns the pixels of row y between x0 (inclusive) and x1 (exclusive).
func (b *Buffer) Row(y, x0, x1 int) []uint8 {
	off := y * b.Width
	return b.Pix[off+x0 : off+x1]
}

// SameShape reports whether o has the same dimensions and depth as b.
func (b *Buffer) SameShape(o *Buffer) bool {
	return o != nil && b.Width == o.Width && b.Height == o.Height && b.Depth == o.Depth
}

// Clone returns a deep copy. Producers use it to hand out a buffer they keep
// drawing into.
func (b *Buffer) Clone() *Buffer {
	c := *b
	c.Pix = append([]uint8(nil), b.Pix...)
	return &c
}

// Gray expands the buffer to an 8-bit image for previews.
func (b *Buffer) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	white := uint32(b.Depth.Max())
	for i, v := range b.Pix {
		img.Pix[i] = uint8(uint32(v) * 255 / white)
	}
	return img
}

func (b *Buffer) String() string {
	return fmt.Sprintf("frame.Buffer{%dx%d, %dbpp}", b.Width, b.Height, b.Depth)
}
