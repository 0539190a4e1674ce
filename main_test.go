package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/deepzoom/render"
	"github.com/akhenakh/deepzoom/source"
	"github.com/akhenakh/deepzoom/tiles"
)

// startAPI serves a running canvas of 256x256 pixels cut in 64 pixels tiles.
func startAPI(t *testing.T) (*httptest.Server, *tiles.Canvas) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	canvas, err := tiles.NewCanvas(tiles.Config{LevelCount: 3, FullWidth: 256, FullHeight: 256, TileSize: 64, WorkerCount: 4},
		source.NewLabeled(64),
		tiles.WithLogger(logger),
		tiles.WithIdleDelay(20*time.Millisecond),
		tiles.WithRenderInterval(5*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- canvas.Run(ctx) }()

	api := &apiServer{canvas: canvas, surface: render.NewSurface(render.WithAlphaTick(1)), logger: logger}
	srv := httptest.NewServer(api.routes())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("canvas did not stop")
		}
	})
	return srv, canvas
}

func postViewport(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/viewport", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func getRenderSet(t *testing.T, srv *httptest.Server) RenderSetResponse {
	t.Helper()
	resp, err := http.Get(srv.URL + "/tiles")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rs RenderSetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rs))
	return rs
}

func TestSetViewportHandler(t *testing.T) {
	srv, _ := startAPI(t)

	testCases := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "valid viewport", body: `{"left":0,"top":0,"right":256,"bottom":256,"scale":1}`, wantStatus: http.StatusAccepted},
		{name: "rotated viewport", body: `{"left":0,"top":0,"right":128,"bottom":128,"angle":0.5,"scale":0.5}`, wantStatus: http.StatusAccepted},
		{name: "malformed body", body: `{"left":`, wantStatus: http.StatusBadRequest},
		{name: "missing scale", body: `{"left":0,"top":0,"right":256,"bottom":256}`, wantStatus: http.StatusBadRequest},
		{name: "inverted viewport", body: `{"left":100,"top":0,"right":10,"bottom":256,"scale":1}`, wantStatus: http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postViewport(t, srv, tc.body)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
		})
	}
}

func TestRenderSetHandler(t *testing.T) {
	srv, _ := startAPI(t)

	rs := getRenderSet(t, srv)
	assert.Equal(t, 3, rs.LevelCount)
	assert.Equal(t, 64, rs.TileSize)
	assert.Empty(t, rs.Tiles)

	resp := postViewport(t, srv, `{"left":0,"top":0,"right":256,"bottom":256,"scale":1}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		rs = getRenderSet(t, srv)
		return len(rs.Tiles) == 16
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, rs.Level)
	assert.Equal(t, 1.0, rs.Scale)
	for _, tile := range rs.Tiles {
		assert.Equal(t, 2, tile.Level)
		assert.Zero(t, tile.SubSample)
	}
}

func TestFrameHandler(t *testing.T) {
	srv, _ := startAPI(t)

	resp := postViewport(t, srv, `{"left":0,"top":0,"right":128,"bottom":96,"scale":0.5}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return len(getRenderSet(t, srv).Tiles) > 0 }, 5*time.Second, 10*time.Millisecond)

	testCases := []struct {
		name       string
		query      string
		wantStatus int
		wantWidth  int
		wantHeight int
	}{
		{name: "viewport sized frame", query: "", wantStatus: http.StatusOK, wantWidth: 128, wantHeight: 96},
		{name: "explicit size", query: "?width=40&height=30", wantStatus: http.StatusOK, wantWidth: 40, wantHeight: 30},
		{name: "invalid width", query: "?width=abc", wantStatus: http.StatusBadRequest},
		{name: "oversized frame", query: "?width=100000&height=10", wantStatus: http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/frame.png" + tc.query)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantStatus != http.StatusOK {
				return
			}

			assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
			assert.Equal(t, "true", resp.Header.Get("X-Frame-Settled"), "fade-in is disabled")

			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			img, err := png.Decode(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, tc.wantWidth, img.Bounds().Dx())
			assert.Equal(t, tc.wantHeight, img.Bounds().Dy())
		})
	}
}

func TestFrameHandlerCanvasNotRunning(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	canvas, err := tiles.NewCanvas(tiles.Config{LevelCount: 3, FullWidth: 256, FullHeight: 256, TileSize: 64}, source.NewLabeled(64))
	require.NoError(t, err)

	api := &apiServer{canvas: canvas, surface: render.NewSurface(), logger: logger}
	srv := httptest.NewServer(api.routes())
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/frame.png?width=10&height=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFrameHandlerFadesIn(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	canvas, err := tiles.NewCanvas(tiles.Config{LevelCount: 1, FullWidth: 64, FullHeight: 64, TileSize: 64},
		source.NewLabeled(64),
		tiles.WithLogger(logger),
		tiles.WithRenderInterval(5*time.Millisecond),
		tiles.WithTileOptions(fadeOptions{alphaTick: 0.5}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go canvas.Run(ctx)

	api := &apiServer{canvas: canvas, surface: render.NewSurface(), logger: logger}
	srv := httptest.NewServer(api.routes())
	defer srv.Close()

	resp := postViewport(t, srv, `{"left":0,"top":0,"right":64,"bottom":64,"scale":1}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return len(getRenderSet(t, srv).Tiles) == 1 }, 5*time.Second, 10*time.Millisecond)

	// a tick of 0.5 needs two frames to reach full opacity
	for _, want := range []string{"false", "true"} {
		resp, err := http.Get(srv.URL + "/frame.png")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, want, resp.Header.Get("X-Frame-Settled"))
	}
}

func TestStatsHandler(t *testing.T) {
	srv, _ := startAPI(t)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats tiles.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Zero(t, stats.RenderSetTiles)
}

func TestStreamHandler(t *testing.T) {
	srv, _ := startAPI(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ViewportRequest{
		Viewport: tiles.Viewport{Right: 128, Bottom: 128},
		Scale:    0.5,
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var rs RenderSetResponse
		require.NoError(t, conn.ReadJSON(&rs))
		if len(rs.Tiles) == 4 {
			assert.Equal(t, 1, rs.Level)
			assert.Equal(t, tiles.Viewport{Right: 128, Bottom: 128}, rs.Viewport)
			return
		}
	}
}

func TestSetupProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "labeled source", cfg: Config{TileSource: "labeled:", TileSize: 64, CacheMaxSize: 10, CacheItemsToPrune: 2}},
		{name: "with fallback", cfg: Config{TileSource: "dir:" + t.TempDir(), TileFallback: "labeled:", TileSize: 64, CacheMaxSize: 10, CacheItemsToPrune: 2}},
		{name: "unknown source", cfg: Config{TileSource: "ftp://example.com/{level}", TileSize: 64}, wantErr: true},
		{name: "unknown fallback", cfg: Config{TileSource: "labeled:", TileFallback: "ftp://example.com", TileSize: 64}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			provider, closeProvider, err := setupProvider(ctx, tc.cfg, logger)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer closeProvider()

			rc, err := provider.Fetch(ctx, 1, 2, 3)
			require.NoError(t, err)
			defer rc.Close()
			img, err := png.Decode(rc)
			require.NoError(t, err)
			assert.Equal(t, 64, img.Bounds().Dx())
		})
	}
}

func TestCreateLogger(t *testing.T) {
	testCases := []struct {
		level string
		want  slog.Level
	}{
		{level: "debug", want: slog.LevelDebug},
		{level: "INFO", want: slog.LevelInfo},
		{level: "warn", want: slog.LevelWarn},
		{level: "ERROR", want: slog.LevelError},
		{level: "verbose", want: slog.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			logger := createLogger(Config{LogLevel: tc.level}, appName)
			assert.True(t, logger.Enabled(context.Background(), tc.want))
			assert.False(t, logger.Enabled(context.Background(), tc.want-1))
		})
	}
}
