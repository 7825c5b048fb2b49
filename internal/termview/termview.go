// Package termview prints a frame to the terminal using ANSI 256-color
// blocks, for checking a layout without a panel attached.
package termview

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"

	"pical/internal/frame"
)

// Opts represents the options available for a View.
type Opts struct {
	// Columns is the number of blocks per line. Defaults to 80.
	Columns int
	Palette *ansi256.Palette
}

// View writes frames to the console.
type View struct {
	w       io.Writer
	cols    int
	palette ansi256.Palette

	buf bytes.Buffer
}

// New returns a View that writes to stdout.
func New(opts *Opts) *View {
	return newView(colorable.NewColorableStdout(), opts)
}

func newView(w io.Writer, opts *Opts) *View {
	if opts == nil {
		opts = &Opts{}
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	cols := opts.Columns
	if cols <= 0 {
		cols = 80
	}
	return &View{w: w, cols: cols, palette: *p}
}

func (v *View) String() string {
	return fmt.Sprintf("termview(%d cols)", v.cols)
}

// Show draws fb, averaging each square cell of pixels into one block.
func (v *View) Show(fb *frame.Buffer) error {
	if fb == nil || fb.Width == 0 || fb.Height == 0 {
		return errors.New("termview: empty frame")
	}
	step := (fb.Width + v.cols - 1) / v.cols
	if step < 1 {
		step = 1
	}
	white := int(fb.Depth.Max())

	v.buf.Reset()
	for y0 := 0; y0 < fb.Height; y0 += step {
		_, _ = v.buf.WriteString("\033[0m")
		for x0 := 0; x0 < fb.Width; x0 += step {
			sum, n := 0, 0
			for y := y0; y < min(y0+step, fb.Height); y++ {
				for _, p := range fb.Row(y, x0, min(x0+step, fb.Width)) {
					sum += int(p)
					n++
				}
			}
			g := uint8(sum * 255 / (n * white))
			_, _ = io.WriteString(&v.buf, v.palette.Block(color.NRGBA{R: g, G: g, B: g, A: 255}))
		}
		_, _ = v.buf.WriteString("\033[0m\n")
	}
	_, err := v.buf.WriteTo(v.w)
	return err
}
