package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/akhenakh/deepzoom/tiles"
)

// levelColors tints the background of labeled tiles so levels can be told apart.
var levelColors = []color.RGBA{
	{200, 220, 255, 255},
	{200, 255, 220, 255},
	{255, 240, 200, 255},
	{255, 210, 210, 255},
	{230, 210, 255, 255},
}

// Labeled generates tiles showing their own coordinates, for demos and tests.
// It has every tile of every level.
type Labeled struct {
	tileSize int
}

func NewLabeled(tileSize int) *Labeled {
	if tileSize <= 0 {
		tileSize = tiles.DefaultTileSize
	}
	return &Labeled{tileSize: tileSize}
}

func (l *Labeled) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := l.Image(row, col, level)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode labeled tile: %w", err)
	}
	return io.NopCloser(&buf), nil
}

// Image draws the tile at row, col and level.
func (l *Labeled) Image(row, col, level int) *image.RGBA {
	size := l.tileSize
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	bg := levelColors[level%len(levelColors)]
	draw.Draw(img, img.Bounds(), &image.Uniform{bg}, image.Point{}, draw.Src)

	border := color.RGBA{100, 100, 100, 255}
	for _, rect := range []image.Rectangle{
		image.Rect(0, 0, size, 1),
		image.Rect(0, size-1, size, size),
		image.Rect(0, 0, 1, size),
		image.Rect(size-1, 0, size, size),
	} {
		draw.Draw(img, rect, &image.Uniform{border}, image.Point{}, draw.Src)
	}

	drawLabel(img, fmt.Sprintf("%d/%d/%d", level, row, col))
	return img
}

func drawLabel(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{40, 40, 40, 255}),
		Face: face,
	}
	size := img.Bounds().Dx()
	textWidth := d.MeasureString(text).Round()
	textHeight := face.Metrics().Height.Round()

	padding := 6
	bg := image.Rect(
		(size-textWidth)/2-padding,
		size/2-textHeight/2-padding,
		(size+textWidth)/2+padding,
		size/2+textHeight/2+padding,
	)
	draw.Draw(img, bg, &image.Uniform{color.RGBA{255, 255, 255, 220}}, image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I((size - textWidth) / 2),
		Y: fixed.I(size/2 + textHeight/2 - face.Descent),
	}
	d.DrawString(text)
}
