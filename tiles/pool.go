package tiles

import (
	"image"
	"sync"
)

// DefaultPoolThreshold is the capacity of a pool created with a non-positive threshold.
const DefaultPoolThreshold = 100

// Pool is a bounded free-list of reusable resources. Release transfers ownership of
// a value to the pool, Acquire transfers it back. A pool never blocks: an empty pool
// returns nothing and the caller allocates, a full pool drops what it is given.
//
// Pool is not safe for concurrent use.
type Pool[T any] struct {
	threshold int
	items     []T
}

func NewPool[T any](threshold int) *Pool[T] {
	if threshold <= 0 {
		threshold = DefaultPoolThreshold
	}
	return &Pool[T]{threshold: threshold}
}

// Acquire removes and returns a stored element, false when the pool is empty.
func (p *Pool[T]) Acquire() (T, bool) {
	var zero T
	n := len(p.items)
	if n == 0 {
		return zero, false
	}
	v := p.items[n-1]
	p.items[n-1] = zero
	p.items = p.items[:n-1]
	return v, true
}

// Release stores v unless the pool is at capacity, in which case v is dropped and
// false is returned.
func (p *Pool[T]) Release(v T) bool {
	if len(p.items) >= p.threshold {
		return false
	}
	p.items = append(p.items, v)
	return true
}

func (p *Pool[T]) Len() int { return len(p.items) }

func (p *Pool[T]) Cap() int { return p.threshold }

// BitmapPool is a Pool of tileSize bitmaps guarded by a mutex, since the collector
// workers take bitmaps from it while the canvas gives them back. It implements
// BitmapSource.
type BitmapPool struct {
	tileSize int
	metrics  *Metrics

	mu   sync.Mutex
	pool *Pool[*image.RGBA]
}

func NewBitmapPool(tileSize, threshold int, metrics *Metrics) *BitmapPool {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return &BitmapPool{
		tileSize: tileSize,
		metrics:  metrics,
		pool:     NewPool[*image.RGBA](threshold),
	}
}

// Acquire returns a pooled bitmap, or a new one when the pool is empty.
func (b *BitmapPool) Acquire() *image.RGBA {
	b.mu.Lock()
	bitmap, ok := b.pool.Acquire()
	b.mu.Unlock()

	b.metrics.poolAcquire("bitmap", ok)
	if !ok {
		bitmap = image.NewRGBA(image.Rect(0, 0, b.tileSize, b.tileSize))
	}
	return bitmap
}

// Release gives a bitmap back. Bitmaps of the wrong size are dropped.
func (b *BitmapPool) Release(bitmap *image.RGBA) {
	if bitmap == nil || bitmap.Rect.Dx() != b.tileSize || bitmap.Rect.Dy() != b.tileSize {
		return
	}
	b.mu.Lock()
	b.pool.Release(bitmap)
	b.mu.Unlock()
}

func (b *BitmapPool) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pool.Len()
}
