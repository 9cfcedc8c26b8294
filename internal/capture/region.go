package capture

import "image"

// Region is a rectangle in snapshot pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NormalizeRegion builds a region from two drag corners in any order.
func NormalizeRegion(x0, y0, x1, y1 int) Region {
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	return Region{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Valid reports whether both sides are strictly larger than min.
func (r Region) Valid(min int) bool {
	return r.Width > min && r.Height > min
}

// Clip returns the part of r that lies inside bounds.
func (r Region) Clip(bounds image.Rectangle) Region {
	c := r.Rect().Intersect(bounds)
	return Region{X: c.Min.X, Y: c.Min.Y, Width: c.Dx(), Height: c.Dy()}
}

// Rect converts the region to an image rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}
