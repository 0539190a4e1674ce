package tiles

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decoder turns the bytes of a tile into a bitmap.
//
// With subSample 0 the pixels are written into dst, a tileSize square coming from the
// bitmap pool or freshly allocated, and dst is returned. With subSample > 0 dst is
// ignored and a new bitmap downscaled by 2^subSample is returned.
type Decoder interface {
	Decode(r io.Reader, dst *image.RGBA, subSample int) (*image.RGBA, error)
}

// ImageDecoder decodes any format registered with the image package: png, jpeg,
// gif, webp, bmp and tiff.
type ImageDecoder struct {
	TileSize int
}

func NewImageDecoder(tileSize int) *ImageDecoder {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return &ImageDecoder{TileSize: tileSize}
}

func (d *ImageDecoder) Decode(r io.Reader, dst *image.RGBA, subSample int) (*image.RGBA, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile image: %w", err)
	}
	sb := src.Bounds()

	if subSample > 0 {
		size := max(d.TileSize>>subSample, 1)
		out := image.NewRGBA(image.Rect(0, 0, size, size))
		dr := image.Rect(0, 0, max(sb.Dx()>>subSample, 1), max(sb.Dy()>>subSample, 1))
		draw.ApproxBiLinear.Scale(out, dr, src, sb, draw.Src, nil)
		return out, nil
	}

	if dst == nil || dst.Bounds().Dx() != d.TileSize || dst.Bounds().Dy() != d.TileSize {
		dst = image.NewRGBA(image.Rect(0, 0, d.TileSize, d.TileSize))
	} else if sb.Dx() < d.TileSize || sb.Dy() < d.TileSize {
		// a reused bitmap still holds the previous tile around a smaller edge tile
		draw.Draw(dst, dst.Bounds(), image.Transparent, image.Point{}, draw.Src)
	}
	draw.Draw(dst, sb.Sub(sb.Min), src, sb.Min, draw.Src)
	return dst, nil
}
