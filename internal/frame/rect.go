package frame

import "fmt"

// Rect is a pixel rectangle with its origin at the top-left corner.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.X, r.Y, r.W, r.H)
}

func (r Rect) Area() int {
	return r.W * r.H
}

func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Union returns the smallest rectangle containing r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x0, y0 := min(r.X, o.X), min(r.Y, o.Y)
	x1, y1 := max(r.X+r.W, o.X+o.W), max(r.Y+r.H, o.Y+o.H)
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Overlaps reports whether r and o share at least one pixel.
func (r Rect) Overlaps(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Within reports whether r lies entirely inside o.
func (r Rect) Within(o Rect) bool {
	return r.X >= o.X && r.Y >= o.Y && r.X+r.W <= o.X+o.W && r.Y+r.H <= o.Y+o.H
}

// Contains reports whether the pixel (x, y) is inside r.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.W && y >= r.Y && y < r.Y+r.H
}

// Align widens r horizontally so that X and W are multiples of n, clipped to
// bounds. Controllers that pack several pixels per bus word need this.
func (r Rect) Align(n int, bounds Rect) Rect {
	if n <= 1 {
		return r
	}
	x0 := r.X - r.X%n
	x1 := r.X + r.W
	if rem := x1 % n; rem != 0 {
		x1 += n - rem
	}
	if limit := bounds.X + bounds.W; x1 > limit {
		x1 = limit
	}
	return Rect{X: x0, Y: r.Y, W: x1 - x0, H: r.H}
}
