package tiles

import (
	"fmt"
	"image"
	"image/color"
	"sync/atomic"
)

// Spec identifies a tile request.
type Spec struct {
	Level     int `json:"level"`
	Row       int `json:"row"`
	Col       int `json:"col"`
	SubSample int `json:"sub_sample"`
}

func (s Spec) String() string {
	if s.SubSample > 0 {
		return fmt.Sprintf("%d/%d/%d~%d", s.Level, s.Row, s.Col, s.SubSample)
	}
	return fmt.Sprintf("%d/%d/%d", s.Level, s.Row, s.Col)
}

// Tile is a decoded Spec. Tiles are produced by the Collector and owned by the
// Canvas until they are evicted and recycled.
type Tile struct {
	Spec
	Bitmap *image.RGBA
	// Reusable is true when the bitmap may go back to the bitmap pool.
	Reusable bool
	Paint    *Paint
}

// ColorFilter transforms the color of every pixel of a tile when drawn.
type ColorFilter func(c color.RGBA) color.RGBA

// Paint is the transient drawing state of a tile: its fade-in alpha and an
// optional color filter. The drawing surface advances the alpha while the canvas
// may reset the paint, so both fields are atomic.
type Paint struct {
	alpha  atomic.Uint32
	filter atomic.Pointer[ColorFilter]
}

func (p *Paint) Alpha() uint8 { return uint8(p.alpha.Load()) }

func (p *Paint) SetAlpha(a uint8) { p.alpha.Store(uint32(a)) }

// AdvanceAlpha increases the alpha by step without exceeding 255 and returns the
// new value.
func (p *Paint) AdvanceAlpha(step int) uint8 {
	for {
		old := p.alpha.Load()
		next := min(int(old)+step, 255)
		if p.alpha.CompareAndSwap(old, uint32(next)) {
			return uint8(next)
		}
	}
}

// ColorFilter returns the filter of the paint, nil when there is none.
func (p *Paint) ColorFilter() ColorFilter {
	if f := p.filter.Load(); f != nil {
		return *f
	}
	return nil
}

func (p *Paint) SetColorFilter(f ColorFilter) {
	if f == nil {
		p.filter.Store(nil)
		return
	}
	p.filter.Store(&f)
}

func (p *Paint) reset() {
	p.alpha.Store(0)
	p.filter.Store(nil)
}

// TileOptions customises how tiles are drawn. ColorFilter must return immediately.
type TileOptions interface {
	ColorFilter(row, col, level int) ColorFilter
	// AlphaTick is the fraction of full opacity gained at each draw pass, in [0, 1].
	AlphaTick() float64
}

// DefaultAlphaTick is the fade-in speed used when no TileOptions are set.
const DefaultAlphaTick = 0.07

type defaultTileOptions struct{}

func (defaultTileOptions) ColorFilter(int, int, int) ColorFilter { return nil }
func (defaultTileOptions) AlphaTick() float64 { return DefaultAlphaTick }
