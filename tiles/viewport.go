package tiles

import (
	"fmt"
	"math"
)

// Viewport denotes the visible area in scaled map pixels, optionally padded beyond
// the literal screen bounds. Angle is the rotation of the map in radians.
type Viewport struct {
	Left   int     `json:"left"`
	Top    int     `json:"top"`
	Right  int     `json:"right"`
	Bottom int     `json:"bottom"`
	Angle  float64 `json:"angle"`
}

func (v Viewport) Width() int { return v.Right - v.Left }
func (v Viewport) Height() int { return v.Bottom - v.Top }

func (v Viewport) String() string {
	return fmt.Sprintf("[%d,%d %d,%d @%.3frad]", v.Left, v.Top, v.Right, v.Bottom, v.Angle)
}

// Bounds returns the axis-aligned box covering the viewport once rotated by Angle
// around its centre. Without rotation the viewport is returned as is.
func (v Viewport) Bounds() Viewport {
	if v.Angle == 0 {
		return v
	}
	cx := float64(v.Left+v.Right) / 2
	cy := float64(v.Top+v.Bottom) / 2
	sin, cos := math.Sincos(v.Angle)

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	corners := [4][2]float64{
		{float64(v.Left), float64(v.Top)},
		{float64(v.Right), float64(v.Top)},
		{float64(v.Left), float64(v.Bottom)},
		{float64(v.Right), float64(v.Bottom)},
	}
	for _, c := range corners {
		dx, dy := c[0]-cx, c[1]-cy
		x := cx + dx*cos - dy*sin
		y := cy + dx*sin + dy*cos
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}

	return Viewport{
		Left:   int(math.Floor(minX)),
		Top:    int(math.Floor(minY)),
		Right:  int(math.Ceil(maxX)),
		Bottom: int(math.Ceil(maxY)),
	}
}
