package tiles

import (
	"context"
	"errors"
	"io"
)

// ErrTileNotFound is returned, possibly wrapped, by a Provider that has no tile
// at the requested location.
var ErrTileNotFound = errors.New("tile not found")

// Provider streams the encoded bytes of a tile. Levels are indexed from 0, the
// coarsest, to levelCount-1, the full resolution. Fetch may be called concurrently
// from several workers; the caller closes the returned stream.
type Provider interface {
	Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, row, col, level int) (io.ReadCloser, error)

func (f ProviderFunc) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	return f(ctx, row, col, level)
}
