package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/deepzoom/tiles"
)

const defaultCacheTTL = 10 * time.Minute

// Cached keeps the bytes of recently fetched tiles in memory. Concurrent fetches of
// the same tile result in a single call to the underlying provider.
type Cached struct {
	provider tiles.Provider
	ttl      time.Duration

	cache *ccache.Cache[[]byte]

	// inflight prevents several workers from downloading the same tile, which
	// happens when the same spec is asked for at several sub-samples.
	inflight singleflight.Group
}

// NewCached wraps provider with a cache of at most maxSize tiles, pruning
// itemsToPrune tiles at a time when full.
func NewCached(provider tiles.Provider, maxSize int64, itemsToPrune uint32) *Cached {
	return &Cached{
		provider: provider,
		ttl:      defaultCacheTTL,
		cache:    ccache.New(ccache.Configure[[]byte]().MaxSize(maxSize).ItemsToPrune(itemsToPrune)),
	}
}

func (c *Cached) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	key := fmt.Sprintf("%d/%d/%d", level, row, col)
	item := c.cache.Get(key)
	if item != nil && !item.Expired() {
		return io.NopCloser(bytes.NewReader(item.Value())), nil
	}

	v, err, _ := c.inflight.Do(key, func() (any, error) {
		rc, err := c.provider.Fetch(ctx, row, col, level)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
		}
		c.cache.Set(key, data, c.ttl)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(v.([]byte))), nil
}

// Len returns the number of tiles in the cache.
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}

// Close stops the cache background worker.
func (c *Cached) Close() error {
	c.cache.Stop()
	return nil
}
