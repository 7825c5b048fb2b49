package frame

import (
	"bytes"
	"errors"
	"sort"
)

// DiffOptions tunes dirty-region detection.
type DiffOptions struct {
	// TileSize is the edge of the square blocks compared between frames.
	TileSize int
	// MaxRegions bounds the number of rectangles returned. Rectangles are
	// merged (accepting some unchanged pixels) until the bound holds.
	// Zero means no bound.
	MaxRegions int
}

const DefaultTileSize = 32

// ErrShapeMismatch is returned when two buffers cannot be compared.
var ErrShapeMismatch = errors.New("frame: buffers differ in size or depth")

// Diff returns non-overlapping rectangles that together cover every pixel
// that differs between prev and next. Each rectangle is tightened to the
// bounding box of the differing pixels it contains. The result is ordered
// top-to-bottom, then left-to-right; it is empty when the buffers are equal.
func Diff(prev, next *Buffer, opts DiffOptions) ([]Rect, error) {
	if prev == nil || !prev.SameShape(next) {
		return nil, ErrShapeMismatch
	}
	ts := opts.TileSize
	if ts <= 0 {
		ts = DefaultTileSize
	}

	rects := dirtyTiles(prev, next, ts)
	if len(rects) == 0 {
		return nil, nil
	}
	rects = coalesce(rects)
	if opts.MaxRegions > 0 {
		rects = reduce(rects, opts.MaxRegions)
	}

	out := make([]Rect, 0, len(rects))
	for _, r := range rects {
		if t := tighten(prev, next, r); !t.Empty() {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out, nil
}

// dirtyTiles compares the buffers tile by tile and returns the dirty tiles as
// horizontal runs, with runs of identical span in consecutive tile rows
// stacked into a single rectangle.
func dirtyTiles(prev, next *Buffer, ts int) []Rect {
	tilesX := (next.Width + ts - 1) / ts
	var (
		rects []Rect
		// open maps a run span (x, w) to the index of the rectangle that
		// ended on the previous tile row with that span.
		open = map[[2]int]int{}
	)
	for y := 0; y < next.Height; y += ts {
		h := min(ts, next.Height-y)
		nextOpen := map[[2]int]int{}
		runStart := -1
		for tx := 0; tx <= tilesX; tx++ {
			dirty := tx < tilesX && tileDiffers(prev, next, tx*ts, y, min(ts, next.Width-tx*ts), h)
			switch {
			case dirty && runStart < 0:
				runStart = tx
			case !dirty && runStart >= 0:
				x := runStart * ts
				w := min(tx*ts, next.Width) - x
				key := [2]int{x, w}
				if i, ok := open[key]; ok && rects[i].Y+rects[i].H == y {
					rects[i].H += h
					nextOpen[key] = i
				} else {
					rects = append(rects, Rect{X: x, Y: y, W: w, H: h})
					nextOpen[key] = len(rects) - 1
				}
				runStart = -1
			}
		}
		open = nextOpen
	}
	return rects
}

func tileDiffers(prev, next *Buffer, x, y, w, h int) bool {
	for row := y; row < y+h; row++ {
		if !bytes.Equal(prev.Row(row, x, x+w), next.Row(row, x, x+w)) {
			return true
		}
	}
	return false
}

// waste is the number of pixels a merge of a and b would add that neither
// rectangle covers. Overlap is counted as zero waste.
func waste(a, b Rect) int {
	return a.Union(b).Area() - a.Area() - b.Area()
}

func touching(a, b Rect) bool {
	grown := Rect{X: a.X - 1, Y: a.Y - 1, W: a.W + 2, H: a.H + 2}
	return grown.Overlaps(b)
}

// coalesce merges overlapping rectangles, and touching rectangles whose
// union adds no pixels, until neither case remains. A rectangle that grows
// is compared against every other rectangle again.
func coalesce(rects []Rect) []Rect {
	for i := 0; i < len(rects); {
		merged := false
		for j := 0; j < len(rects); j++ {
			if j == i {
				continue
			}
			a, b := rects[i], rects[j]
			if a.Overlaps(b) || (touching(a, b) && waste(a, b) <= 0) {
				rects[i] = a.Union(b)
				rects = append(rects[:j], rects[j+1:]...)
				if j < i {
					i--
				}
				merged = true
				break
			}
		}
		if !merged {
			i++
		}
	}
	return rects
}

// reduce merges the pair with the least waste until at most n rectangles
// remain, re-coalescing after each merge so the result stays disjoint.
func reduce(rects []Rect, n int) []Rect {
	for len(rects) > n {
		bi, bj, best := 0, 1, -1
		for i := 0; i < len(rects); i++ {
			for j := i + 1; j < len(rects); j++ {
				if w := waste(rects[i], rects[j]); best < 0 || w < best {
					bi, bj, best = i, j, w
				}
			}
		}
		rects[bi] = rects[bi].Union(rects[bj])
		rects = append(rects[:bj], rects[bj+1:]...)
		rects = coalesce(rects)
	}
	return rects
}

// tighten shrinks r to the bounding box of pixels that differ inside it.
func tighten(prev, next *Buffer, r Rect) Rect {
	x0, y0, x1, y1 := r.X+r.W, r.Y+r.H, -1, -1
	for y := r.Y; y < r.Y+r.H; y++ {
		a := prev.Row(y, r.X, r.X+r.W)
		b := next.Row(y, r.X, r.X+r.W)
		if bytes.Equal(a, b) {
			continue
		}
		first, last := -1, -1
		for i := range a {
			if a[i] != b[i] {
				if first < 0 {
					first = i
				}
				last = i
			}
		}
		x0 = min(x0, r.X+first)
		x1 = max(x1, r.X+last)
		y0 = min(y0, y)
		y1 = y
	}
	if x1 < 0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0 + 1, H: y1 - y0 + 1}
}
