package pyramid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gocloud.dev/blob"

	"github.com/akhenakh/deepzoom/source"
)

// DirSink writes tiles to Root/{level}/{row}/{col}.{ext}, the layout read by
// source.Dir with the matching template.
type DirSink struct {
	Root   string
	Format Format
}

func (s DirSink) Put(ctx context.Context, row, col, level int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(s.Root, strconv.Itoa(level), strconv.Itoa(row))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}
	name := filepath.Join(dir, strconv.Itoa(col)+"."+string(s.format()))
	return os.WriteFile(name, data, 0o644)
}

func (s DirSink) format() Format {
	if s.Format == "" {
		return PNG
	}
	return s.Format
}

// Template returns the source template matching the files written by the sink.
func (s DirSink) Template() string {
	return "{level}/{row}/{col}." + string(s.format())
}

// BlobSink writes tiles to a bucket, one object per tile named after Template.
type BlobSink struct {
	Bucket   *blob.Bucket
	Template string
	Format   Format
}

func (s BlobSink) Put(ctx context.Context, row, col, level int, data []byte) error {
	template := s.Template
	if template == "" {
		template = source.DefaultTemplate
	}
	key := source.Expand(template, row, col, level, 0)
	opts := &blob.WriterOptions{ContentType: "image/png"}
	if s.Format == JPEG {
		opts.ContentType = "image/jpeg"
	}
	if err := s.Bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// NewMBTilesSink creates an MBTiles file holding the pyramid described by layout.
// The caller closes the returned writer once Cut is done.
func NewMBTilesSink(path, name string, layout Layout, format Format) (*source.MBTilesWriter, error) {
	if format == "" {
		format = PNG
	}
	return source.CreateMBTiles(path, map[string]string{
		"name":        name,
		"type":        "overlay",
		"version":     "1",
		"format":      string(format),
		"minzoom":     "0",
		"maxzoom":     strconv.Itoa(layout.LevelCount - 1),
		"tilesize":    strconv.Itoa(layout.TileSize),
		"full_width":  strconv.Itoa(layout.FullWidth),
		"full_height": strconv.Itoa(layout.FullHeight),
	})
}
