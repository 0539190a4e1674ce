package tiles

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func grayscale(c color.RGBA) color.RGBA {
	y := uint8((uint16(c.R) + uint16(c.G) + uint16(c.B)) / 3)
	return color.RGBA{R: y, G: y, B: y, A: c.A}
}

// specColor gives each spec a distinct opaque color.
func specColor(level, row, col int) color.RGBA {
	return color.RGBA{R: uint8(40 * level), G: uint8(20 * row), B: uint8(20 * col), A: 255}
}

func encodePNG(t testing.TB, width, height int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeProvider serves solid PNG tiles and records what was fetched.
type fakeProvider struct {
	t        testing.TB
	tileSize int

	mu      sync.Mutex
	fetched []Spec
	missing map[Spec]bool
	gate    map[Spec]chan struct{}
}

func newFakeProvider(t testing.TB, tileSize int) *fakeProvider {
	return &fakeProvider{
		t:        t,
		tileSize: tileSize,
		missing:  make(map[Spec]bool),
		gate:     make(map[Spec]chan struct{}),
	}
}

// block makes the fetch of spec wait until the returned function is called.
func (p *fakeProvider) block(s Spec) func() {
	ch := make(chan struct{})
	p.mu.Lock()
	p.gate[s] = ch
	p.mu.Unlock()
	return func() { close(ch) }
}

func (p *fakeProvider) Fetched() []Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Spec(nil), p.fetched...)
}

func (p *fakeProvider) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	s := Spec{Level: level, Row: row, Col: col}
	p.mu.Lock()
	p.fetched = append(p.fetched, s)
	gate := p.gate[s]
	missing := p.missing[s]
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if missing {
		return nil, ErrTileNotFound
	}
	data := encodePNG(p.t, p.tileSize, p.tileSize, specColor(level, row, col))
	return io.NopCloser(bytes.NewReader(data)), nil
}
