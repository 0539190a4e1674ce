package source

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/akhenakh/deepzoom/tiles"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"

// HTTP fetches tiles from a tile server, one request per tile.
type HTTP struct {
	template   string
	client     *http.Client
	header     http.Header
	zoomOffset int
}

type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for requests, http.DefaultClient otherwise.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithHeader adds a header sent with every request. Tile servers like OpenStreetMap
// require a meaningful User-Agent and Referer.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) {
		h.header.Set(key, value)
	}
}

// WithZoomOffset maps level 0 of the canvas to the given zoom level of the server.
func WithZoomOffset(offset int) HTTPOption {
	return func(h *HTTP) {
		h.zoomOffset = offset
	}
}

// NewHTTP returns a source requesting the URLs built from template, for instance
// "https://tile.openstreetmap.org/{z}/{x}/{y}.png".
func NewHTTP(template string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		template: template,
		client:   http.DefaultClient,
		header:   make(http.Header),
	}
	// browser-like headers
	h.header.Set("User-Agent", defaultUserAgent)
	h.header.Set("Accept", "image/webp,image/png,image/*;q=0.8,*/*;q=0.5")
	h.header.Set("Accept-Language", "en-US,en;q=0.5")
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// URL returns the address of a tile.
func (h *HTTP) URL(row, col, level int) string {
	return Expand(h.template, row, col, level, h.zoomOffset)
}

func (h *HTTP) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	url := h.URL(row, col, level)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile request: %w", err)
	}
	req.Header = h.header.Clone()

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tile request failed: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound, http.StatusNoContent:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", url, tiles.ErrTileNotFound)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("bad status for tile %s: %s", url, resp.Status)
	}
}
