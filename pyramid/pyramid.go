// Package pyramid cuts a large image into the tile pyramid read by a tiles.Canvas.
package pyramid

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"sync/atomic"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/deepzoom/tiles"
)

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpg"
)

// Sink stores the encoded tiles of a pyramid. Put is called concurrently.
type Sink interface {
	Put(ctx context.Context, row, col, level int, data []byte) error
}

type Options struct {
	TileSize int
	// LevelCount is computed from the image size when 0, so that level 0 fits in
	// a single tile.
	LevelCount  int
	Workers     int
	Format      Format
	JPEGQuality int
	Logger      *slog.Logger
	// Progress, when set, is called after each stored tile. It must be safe for
	// concurrent use.
	Progress func(done, total int)
}

// Layout describes a pyramid: what a tiles.Config needs to display it.
type Layout struct {
	LevelCount int `json:"level_count"`
	FullWidth  int `json:"full_width"`
	FullHeight int `json:"full_height"`
	TileSize   int `json:"tile_size"`
	Tiles      int `json:"tiles"`
}

func (o *Options) setDefaults() {
	if o.TileSize <= 0 {
		o.TileSize = tiles.DefaultTileSize
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Format == "" {
		o.Format = PNG
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = 90
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// LevelCountFor returns the number of levels needed for a width x height image so
// that level 0 fits in a single tile.
func LevelCountFor(width, height, tileSize int) int {
	longest := float64(max(width, height))
	if longest <= float64(tileSize) {
		return 1
	}
	return int(math.Ceil(math.Log2(longest/float64(tileSize)))) + 1
}

// Plan returns the layout Cut produces for an image of the given bounds.
func Plan(bounds image.Rectangle, opts Options) Layout {
	opts.setDefaults()
	w, h := bounds.Dx(), bounds.Dy()
	levels := opts.LevelCount
	if levels <= 0 {
		levels = LevelCountFor(w, h, opts.TileSize)
	}

	r := tiles.NewResolver(levels, w, h, tiles.WithTileSize(opts.TileSize))
	total := 0
	for level := range levels {
		total += (r.MaxRow(level) + 1) * (r.MaxCol(level) + 1)
	}
	return Layout{LevelCount: levels, FullWidth: w, FullHeight: h, TileSize: opts.TileSize, Tiles: total}
}

// Cut scales img down for every level, splits each level into tiles and stores them
// in sink. Level levelCount-1 is img at full resolution, each previous level halves
// it. Edge tiles are cropped to the image.
func Cut(ctx context.Context, img image.Image, opts Options, sink Sink) (Layout, error) {
	opts.setDefaults()
	layout := Plan(img.Bounds(), opts)
	r := tiles.NewResolver(layout.LevelCount, layout.FullWidth, layout.FullHeight, tiles.WithTileSize(opts.TileSize))

	opts.Logger.Info("cutting pyramid",
		"width", layout.FullWidth,
		"height", layout.FullHeight,
		"levels", layout.LevelCount,
		"tiles", layout.Tiles,
		"format", opts.Format,
	)

	var done atomic.Int64
	for level := range layout.LevelCount {
		scale, _ := r.ScaleForLevel(level)
		scaled := scaleImage(img, scale)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for row := 0; row <= r.MaxRow(level); row++ {
			for col := 0; col <= r.MaxCol(level); col++ {
				if gctx.Err() != nil {
					break
				}
				g.Go(func() error {
					data, err := encodeTile(scaled, row, col, opts)
					if err != nil {
						return fmt.Errorf("failed to encode tile %d/%d/%d: %w", level, row, col, err)
					}
					if err := sink.Put(gctx, row, col, level, data); err != nil {
						return fmt.Errorf("failed to store tile %d/%d/%d: %w", level, row, col, err)
					}
					n := done.Add(1)
					if opts.Progress != nil {
						opts.Progress(int(n), layout.Tiles)
					}
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return layout, err
		}
		if err := ctx.Err(); err != nil {
			return layout, err
		}
		opts.Logger.Debug("level done", "level", level, "scale", scale, "size", scaled.Bounds().Size())
	}
	return layout, nil
}

// scaleImage returns img resized by scale with a Catmull-Rom filter. The result
// always starts at the origin.
func scaleImage(img image.Image, scale float64) image.Image {
	b := img.Bounds()
	if scale == 1 {
		if b.Min == (image.Point{}) {
			return img
		}
		out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	w := max(int(math.Ceil(float64(b.Dx())*scale)), 1)
	h := max(int(math.Ceil(float64(b.Dy())*scale)), 1)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func encodeTile(level image.Image, row, col int, opts Options) ([]byte, error) {
	ts := opts.TileSize
	rect := image.Rect(col*ts, row*ts, (col+1)*ts, (row+1)*ts).Intersect(level.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("tile outside of the level bounds %v", level.Bounds())
	}

	var tile image.Image
	if si, ok := level.(subImager); ok {
		tile = si.SubImage(rect)
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		draw.Draw(rgba, rgba.Bounds(), level, rect.Min, draw.Src)
		tile = rgba
	}

	var buf bytes.Buffer
	var err error
	switch opts.Format {
	case JPEG:
		err = jpeg.Encode(&buf, tile, &jpeg.Options{Quality: opts.JPEGQuality})
	default:
		err = png.Encode(&buf, tile)
	}
	return buf.Bytes(), err
}
