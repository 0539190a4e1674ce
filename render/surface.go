// Package render composes the tiles of a render set into an image.
package render

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/akhenakh/deepzoom/tiles"
)

// Surface draws render sets, fading tiles in as they appear. Its configuration is
// immutable, so a Surface may be shared.
type Surface struct {
	alphaTick   float64
	background  color.Color
	interpolate draw.Interpolator
}

type Option func(*Surface)

// WithAlphaTick sets the fraction of full opacity a tile gains at each Draw,
// overriding the AlphaTick of the render sets. 1 disables the fade-in.
func WithAlphaTick(tick float64) Option {
	return func(s *Surface) {
		if tick > 0 && tick <= 1 {
			s.alphaTick = tick
		}
	}
}

func WithBackground(c color.Color) Option {
	return func(s *Surface) {
		s.background = c
	}
}

// WithInterpolator sets how tile pixels are resampled, draw.ApproxBiLinear by default.
func WithInterpolator(i draw.Interpolator) Option {
	return func(s *Surface) {
		if i != nil {
			s.interpolate = i
		}
	}
}

func NewSurface(opts ...Option) *Surface {
	s := &Surface{
		background:  color.White,
		interpolate: draw.ApproxBiLinear,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Draw paints the tiles of rs onto dst, which shows the viewport of rs. Tiles are
// drawn in order, each one rotated by the viewport angle around the centre of dst.
// Draw reports whether a tile is still fading in, in which case another Draw is
// needed for the frame to settle.
func (s *Surface) Draw(dst *image.RGBA, rs tiles.RenderSet) bool {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(s.background), image.Point{}, draw.Src)

	step := int(math.Ceil(s.fadeTick(rs) * 255))
	more := false
	for _, t := range rs.Tiles {
		if t.Bitmap == nil {
			continue
		}
		alpha := uint8(255)
		var filter tiles.ColorFilter
		if t.Paint != nil {
			alpha = t.Paint.AdvanceAlpha(step)
			filter = t.Paint.ColorFilter()
		}
		if alpha < 255 {
			more = true
		}

		src := t.Bitmap
		if filter != nil {
			src = applyFilter(src, filter)
		}

		var opts *draw.Options
		if alpha < 255 {
			opts = &draw.Options{SrcMask: image.NewUniform(color.Alpha{A: alpha})}
		}
		s.interpolate.Transform(dst, tileTransform(dst.Bounds(), rs, t), src, src.Bounds(), draw.Over, opts)
	}
	return more
}

// fadeTick returns the override if any, else the tick carried by rs.
func (s *Surface) fadeTick(rs tiles.RenderSet) float64 {
	if s.alphaTick > 0 {
		return s.alphaTick
	}
	if rs.AlphaTick > 0 && rs.AlphaTick <= 1 {
		return rs.AlphaTick
	}
	return tiles.DefaultAlphaTick
}

// Frame allocates a width x height image and draws rs onto it.
func (s *Surface) Frame(width, height int, rs tiles.RenderSet) (*image.RGBA, bool) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	more := s.Draw(img, rs)
	return img, more
}

// tileTransform maps the pixels of a tile bitmap to dst. A tile of level l covers
// tileSize/scale(l) pixels of the full resolution map, whatever its sub-sample.
func tileTransform(bounds image.Rectangle, rs tiles.RenderSet, t *tiles.Tile) f64.Aff3 {
	levelScale := math.Pow(2, float64(t.Level-(rs.LevelCount-1)))
	span := float64(rs.TileSize) / levelScale

	k := span / float64(t.Bitmap.Bounds().Dx()) * rs.Scale
	tx := float64(t.Col)*span*rs.Scale - float64(rs.Viewport.Left) + float64(bounds.Min.X)
	ty := float64(t.Row)*span*rs.Scale - float64(rs.Viewport.Top) + float64(bounds.Min.Y)

	if rs.Viewport.Angle == 0 {
		return f64.Aff3{k, 0, tx, 0, k, ty}
	}

	cx := float64(bounds.Min.X) + float64(bounds.Dx())/2
	cy := float64(bounds.Min.Y) + float64(bounds.Dy())/2
	sin, cos := math.Sincos(rs.Viewport.Angle)
	return f64.Aff3{
		cos * k, -sin * k, cos*(tx-cx) - sin*(ty-cy) + cx,
		sin * k, cos * k, sin*(tx-cx) + cos*(ty-cy) + cy,
	}
}

func applyFilter(src *image.RGBA, filter tiles.ColorFilter) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetRGBA(x, y, filter(src.RGBAAt(x, y)))
		}
	}
	return out
}

// EncodePNG writes img as a PNG with the fastest compression, frames being
// short-lived.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}
