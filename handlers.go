package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/akhenakh/deepzoom/render"
	"github.com/akhenakh/deepzoom/tiles"
)

const maxFrameSide = 4096

type apiServer struct {
	canvas   *tiles.Canvas
	surface  *render.Surface
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// ViewportRequest moves the camera: the viewport is expressed in map pixels at Scale.
type ViewportRequest struct {
	tiles.Viewport
	Scale float64 `json:"scale"`
}

type TileResponse struct {
	tiles.Spec
	Alpha uint8 `json:"alpha"`
}

type RenderSetResponse struct {
	LevelCount int            `json:"level_count"`
	TileSize   int            `json:"tile_size"`
	Level      int            `json:"level"`
	SubSample  int            `json:"sub_sample"`
	Scale      float64        `json:"scale"`
	Viewport   tiles.Viewport `json:"viewport"`
	Tiles      []TileResponse `json:"tiles"`
}

func newRenderSetResponse(rs tiles.RenderSet) RenderSetResponse {
	resp := RenderSetResponse{
		LevelCount: rs.LevelCount,
		TileSize:   rs.TileSize,
		Level:      rs.Level,
		SubSample:  rs.SubSample,
		Scale:      rs.Scale,
		Viewport:   rs.Viewport,
		Tiles:      make([]TileResponse, 0, len(rs.Tiles)),
	}
	for _, t := range rs.Tiles {
		tr := TileResponse{Spec: t.Spec, Alpha: 255}
		if t.Paint != nil {
			tr.Alpha = t.Paint.Alpha()
		}
		resp.Tiles = append(resp.Tiles, tr)
	}
	return resp
}

func (req ViewportRequest) validate() error {
	if req.Scale <= 0 {
		return fmt.Errorf("scale must be positive, got %g", req.Scale)
	}
	if req.Right < req.Left || req.Bottom < req.Top {
		return fmt.Errorf("viewport %s is inverted", req.Viewport)
	}
	return nil
}

func (s *apiServer) routes() http.Handler {
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /viewport", s.setViewportHandler)
	mux.HandleFunc("GET /tiles", s.renderSetHandler)
	mux.HandleFunc("GET /frame.png", s.frameHandler)
	mux.HandleFunc("GET /stats", s.statsHandler)
	mux.HandleFunc("GET /stream", s.streamHandler)
	return mux
}

func (s *apiServer) setViewportHandler(w http.ResponseWriter, r *http.Request) {
	var req ViewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.canvas.Update(req.Viewport, req.Scale)
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) renderSetHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, newRenderSetResponse(s.canvas.Latest()))
}

func (s *apiServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.canvas.Stats())
}

// frameHandler draws the current render set. The frame defaults to the size of
// the viewport. X-Frame-Settled is false while tiles are fading in.
func (s *apiServer) frameHandler(w http.ResponseWriter, r *http.Request) {
	width, err := queryInt(r, "width")
	if err != nil {
		http.Error(w, "Invalid width", http.StatusBadRequest)
		return
	}
	height, err := queryInt(r, "height")
	if err != nil {
		http.Error(w, "Invalid height", http.StatusBadRequest)
		return
	}

	var (
		frame *image.RGBA
		more  bool
	)
	err = s.canvas.View(r.Context(), func(rs tiles.RenderSet) {
		if width == 0 {
			width = rs.Viewport.Width()
		}
		if height == 0 {
			height = rs.Viewport.Height()
		}
		if width <= 0 || height <= 0 || width > maxFrameSide || height > maxFrameSide {
			return
		}
		frame, more = s.surface.Frame(width, height, rs)
	})
	if err != nil {
		http.Error(w, "Canvas is not running", http.StatusServiceUnavailable)
		return
	}
	if frame == nil {
		http.Error(w, fmt.Sprintf("Frame size must be within 1x1 and %dx%d", maxFrameSide, maxFrameSide), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := render.EncodePNG(&buf, frame); err != nil {
		s.logger.Error("failed to encode frame", "error", err)
		http.Error(w, "Could not encode frame", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Frame-Settled", strconv.FormatBool(!more))
	w.Write(buf.Bytes())
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
