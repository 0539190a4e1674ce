package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/akhenakh/deepzoom/tiles"
)

// Dir reads tiles from a file system, one file per tile.
type Dir struct {
	fsys     fs.FS
	template string
}

// NewDir returns a source reading the files of fsys laid out following template.
// An empty template means DefaultTemplate.
func NewDir(fsys fs.FS, template string) *Dir {
	if template == "" {
		template = DefaultTemplate
	}
	return &Dir{fsys: fsys, template: template}
}

// OpenDir is NewDir over a directory of the local file system.
func OpenDir(root, template string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open tile directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return NewDir(os.DirFS(root), template), nil
}

func (d *Dir) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := Expand(d.template, row, col, level, 0)
	f, err := d.fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, tiles.ErrTileNotFound)
		}
		return nil, fmt.Errorf("failed to open tile file %s: %w", name, err)
	}
	return f, nil
}
