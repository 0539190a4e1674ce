package pyramid

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/akhenakh/deepzoom/source"
	"github.com/akhenakh/deepzoom/tiles"
)

type memorySink struct {
	mu    sync.Mutex
	tiles map[tiles.Spec][]byte
}

func (s *memorySink) Put(_ context.Context, row, col, level int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tiles == nil {
		s.tiles = make(map[tiles.Spec][]byte)
	}
	s.tiles[tiles.Spec{Level: level, Row: row, Col: col}] = data
	return nil
}

// halves returns a width x height image, red on the left half and blue on the right.
func halves(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			c := color.RGBA{R: 255, A: 255}
			if x >= width/2 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestLevelCountFor(t *testing.T) {
	testCases := []struct {
		width, height, tileSize int
		want                    int
	}{
		{100, 100, 256, 1},
		{256, 256, 256, 1},
		{257, 100, 256, 2},
		{1000, 600, 256, 3},
		{16400, 8000, 256, 8},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, LevelCountFor(tc.width, tc.height, tc.tileSize), "%dx%d", tc.width, tc.height)
	}
}

func TestCut(t *testing.T) {
	var sink memorySink
	var progress atomic.Int64
	layout, err := Cut(context.Background(), halves(1000, 600), Options{
		Workers:  3,
		Progress: func(done, total int) { progress.Add(1) },
	}, &sink)
	require.NoError(t, err)

	assert.Equal(t, Layout{LevelCount: 3, FullWidth: 1000, FullHeight: 600, TileSize: 256, Tiles: 17}, layout)
	assert.Len(t, sink.tiles, 17)
	assert.EqualValues(t, 17, progress.Load())

	// every tile the resolver may ask for exists
	r := tiles.NewResolver(layout.LevelCount, layout.FullWidth, layout.FullHeight)
	for level := range layout.LevelCount {
		for row := 0; row <= r.MaxRow(level); row++ {
			for col := 0; col <= r.MaxCol(level); col++ {
				assert.Contains(t, sink.tiles, tiles.Spec{Level: level, Row: row, Col: col})
			}
		}
	}

	edge := decode(t, sink.tiles[tiles.Spec{Level: 2, Row: 2, Col: 3}])
	assert.Equal(t, image.Rect(0, 0, 232, 88), edge.Bounds())

	top := decode(t, sink.tiles[tiles.Spec{Level: 0}])
	assert.Equal(t, image.Rect(0, 0, 250, 150), top.Bounds())
	r0, _, b0, _ := top.At(20, 75).RGBA()
	assert.Greater(t, r0, b0, "left half stays red once scaled")
	r1, _, b1, _ := top.At(230, 75).RGBA()
	assert.Greater(t, b1, r1, "right half stays blue once scaled")
}

type failingSink struct{ calls atomic.Int32 }

func (s *failingSink) Put(context.Context, int, int, int, []byte) error {
	s.calls.Add(1)
	return errors.New("disk full")
}

func TestCutStopsOnSinkError(t *testing.T) {
	var sink failingSink
	_, err := Cut(context.Background(), halves(1000, 600), Options{Workers: 1}, &sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Less(t, sink.calls.Load(), int32(17))
}

func TestCutToDir(t *testing.T) {
	root := t.TempDir()
	sink := DirSink{Root: root}
	_, err := Cut(context.Background(), halves(300, 300), Options{}, sink)
	require.NoError(t, err)

	dir, err := source.OpenDir(root, sink.Template())
	require.NoError(t, err)
	rc, err := dir.Fetch(context.Background(), 1, 1, 1)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 44, 44), decode(t, data).Bounds())
}

func TestCutToBlob(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	_, err := Cut(ctx, halves(300, 300), Options{Format: JPEG}, BlobSink{Bucket: bucket, Template: "{z}/{x}/{y}.jpg", Format: JPEG})
	require.NoError(t, err)

	attrs, err := bucket.Attributes(ctx, "1/1/0.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", attrs.ContentType)
}

func TestCutToMBTiles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pyramid.mbtiles")
	img := halves(600, 300)

	layout := Plan(img.Bounds(), Options{})
	sink, err := NewMBTilesSink(path, "halves", layout, PNG)
	require.NoError(t, err)
	_, err = Cut(ctx, img, Options{}, sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	m, err := source.OpenMBTiles(path)
	require.NoError(t, err)
	defer m.Close()

	meta, err := m.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", meta["maxzoom"])
	assert.Equal(t, "600", meta["full_width"])

	rc, err := m.Fetch(ctx, 1, 2, 2)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 88, 44), decode(t, data).Bounds())
}
