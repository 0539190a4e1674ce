package tiles

import (
	"bytes"
	"context"
	"image"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTileSize = 64

// startCollector runs a collector until the test ends.
func startCollector(t *testing.T, workers int, provider Provider, bitmaps BitmapSource) (chan<- []Spec, <-chan *Tile) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	specs := make(chan []Spec)
	out := make(chan *Tile)
	done := make(chan error, 1)

	c := NewCollector(workers, provider, NewImageDecoder(testTileSize))
	go func() { done <- c.Run(ctx, specs, out, bitmaps) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("collector did not stop")
		}
	})
	return specs, out
}

func receiveTiles(t *testing.T, out <-chan *Tile, n int) map[Spec]*Tile {
	t.Helper()
	got := make(map[Spec]*Tile, n)
	for range n {
		select {
		case tile := <-out:
			got[tile.Spec] = tile
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d tiles out of %d", len(got), n)
		}
	}
	return got
}

func referenceBitmap(t *testing.T, s Spec) *image.RGBA {
	t.Helper()
	data := encodePNG(t, testTileSize, testTileSize, specColor(s.Level, s.Row, s.Col))
	b, err := NewImageDecoder(testTileSize).Decode(bytes.NewReader(data), nil, s.SubSample)
	require.NoError(t, err)
	return b
}

func TestCollectorReusesBitmaps(t *testing.T) {
	provider := newFakeProvider(t, testTileSize)
	pool := NewBitmapPool(testTileSize, 10, nil)
	specs, out := startCollector(t, 1, provider, pool)

	first := []Spec{{Level: 0, Row: 0, Col: 0}, {Level: 0, Row: 1, Col: 1}, {Level: 0, Row: 2, Col: 1}}
	specs <- first
	got := receiveTiles(t, out, len(first))

	released := make(map[*image.RGBA]bool)
	for _, s := range first {
		tile := got[s]
		require.NotNil(t, tile, "missing tile %s", s)
		assert.True(t, tile.Reusable)
		assert.Equal(t, referenceBitmap(t, s).Pix, tile.Bitmap.Pix)
		pool.Release(tile.Bitmap)
		released[tile.Bitmap] = true
	}
	assert.Equal(t, 3, pool.Len())

	second := []Spec{{Level: 1, Row: 0, Col: 0}, {Level: 1, Row: 1, Col: 1}, {Level: 1, Row: 2, Col: 1}}
	specs <- second
	got = receiveTiles(t, out, len(second))

	for _, s := range second {
		tile := got[s]
		require.NotNil(t, tile, "missing tile %s", s)
		assert.True(t, released[tile.Bitmap], "bitmap of %s was not taken from the pool", s)
		assert.Equal(t, referenceBitmap(t, s).Pix, tile.Bitmap.Pix)
	}
	assert.Zero(t, pool.Len())
}

func TestCollectorSkipsUnwantedSpecs(t *testing.T) {
	provider := newFakeProvider(t, testTileSize)
	specs, out := startCollector(t, 1, provider, nil)

	busy := Spec{Level: 2, Row: 0, Col: 0}
	unblock := provider.block(busy)

	specs <- []Spec{busy, {Level: 2, Row: 0, Col: 1}, {Level: 2, Row: 0, Col: 2}}
	require.Eventually(t, func() bool { return len(provider.Fetched()) == 1 }, 5*time.Second, time.Millisecond)

	// the worker is stuck on the first spec while the wanted list changes
	next := []Spec{{Level: 1, Row: 0, Col: 0}, {Level: 1, Row: 0, Col: 1}}
	specs <- next
	unblock()

	got := receiveTiles(t, out, 3)
	assert.Contains(t, got, busy, "a started fetch still completes")
	for _, s := range next {
		assert.Contains(t, got, s)
	}
	assert.ElementsMatch(t, append([]Spec{busy}, next...), provider.Fetched())
}

func TestCollectorRefetchesSpecWantedAgain(t *testing.T) {
	a := Spec{Level: 2, Row: 1, Col: 1}
	b := Spec{Level: 2, Row: 3, Col: 3}

	// the outcome depends on whether the completion of a reaches the coordinator
	// before or after a is wanted again, so the sequence is repeated
	for range 20 {
		provider := newFakeProvider(t, testTileSize)
		specs, out := startCollector(t, 1, provider, nil)

		unblock := provider.block(a)
		specs <- []Spec{a}
		require.Eventually(t, func() bool { return len(provider.Fetched()) == 1 }, 5*time.Second, time.Millisecond)

		// a is no longer wanted while being fetched, its tile gets dropped
		specs <- []Spec{b}
		unblock()
		first := receiveTiles(t, out, 1)
		require.Contains(t, first, a)

		specs <- []Spec{a}

		deadline := time.After(5 * time.Second)
	wait:
		for {
			select {
			case tile := <-out:
				if tile.Spec == a {
					break wait
				}
			case <-deadline:
				t.Fatal("a spec wanted again was never fetched again")
			}
		}
	}
}

func TestCollectorSurvivesFailures(t *testing.T) {
	provider := newFakeProvider(t, testTileSize)
	missing := Spec{Level: 0, Row: 0, Col: 1}
	provider.missing[missing] = true
	specs, out := startCollector(t, 3, provider, nil)

	wanted := []Spec{{Level: 0, Row: 0, Col: 0}, missing, {Level: 0, Row: 0, Col: 2}}
	specs <- wanted
	got := receiveTiles(t, out, 2)
	assert.NotContains(t, got, missing)

	select {
	case tile := <-out:
		t.Fatalf("unexpected tile %s", tile.Spec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCollectorSubSampledTiles(t *testing.T) {
	provider := newFakeProvider(t, testTileSize)
	pool := NewBitmapPool(testTileSize, 10, nil)
	specs, out := startCollector(t, 2, provider, pool)

	s := Spec{Level: 0, Row: 0, Col: 0, SubSample: 2}
	specs <- []Spec{s}
	got := receiveTiles(t, out, 1)

	tile := got[s]
	require.NotNil(t, tile)
	assert.False(t, tile.Reusable)
	assert.Equal(t, image.Rect(0, 0, testTileSize/4, testTileSize/4), tile.Bitmap.Rect)
	assert.Zero(t, pool.Len(), "sub-sampled tiles never touch the pool")
}

type panickingDecoder struct{}

func (panickingDecoder) Decode(io.Reader, *image.RGBA, int) (*image.RGBA, error) {
	panic("corrupted tile")
}

func TestCollectorRecoversDecoderPanic(t *testing.T) {
	provider := newFakeProvider(t, testTileSize)
	pool := NewBitmapPool(testTileSize, 10, nil)
	c := NewCollector(1, provider, panickingDecoder{})

	tile := c.collect(context.Background(), Spec{Level: 0, Row: 0, Col: 0}, pool)
	assert.Nil(t, tile)
	assert.Equal(t, 1, pool.Len(), "the bitmap lent to the decoder is given back")
}
