package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/akhenakh/deepzoom/tiles"
)

// Fallback asks each of its providers in turn and returns the first tile found.
type Fallback struct {
	providers []tiles.Provider
}

func NewFallback(primary tiles.Provider, fallbacks ...tiles.Provider) *Fallback {
	return &Fallback{providers: append([]tiles.Provider{primary}, fallbacks...)}
}

func (f *Fallback) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	var errs []error
	for i, p := range f.providers {
		rc, err := p.Fetch(ctx, row, col, level)
		if err == nil {
			return rc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}
