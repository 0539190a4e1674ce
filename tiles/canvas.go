package tiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkerCount suits local tile sources. Remote sources are better served
	// by 16 to 60 workers.
	DefaultWorkerCount    = 2
	DefaultIdleDelay      = 300 * time.Millisecond
	DefaultRenderInterval = 34 * time.Millisecond
)

var (
	ErrInvalidConfig  = errors.New("invalid canvas configuration")
	ErrAlreadyRunning = errors.New("canvas is already running")
	ErrNotRunning     = errors.New("canvas is not running")
)

// Config is the fixed configuration of a Canvas.
type Config struct {
	LevelCount       int
	FullWidth        int
	FullHeight       int
	TileSize         int
	WorkerCount      int
	MagnifyingFactor int
}

func (c *Config) validate() error {
	if c.TileSize == 0 {
		c.TileSize = DefaultTileSize
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	switch {
	case c.LevelCount < 1:
		return fmt.Errorf("%w: level count must be positive, got %d", ErrInvalidConfig, c.LevelCount)
	case c.FullWidth <= 0 || c.FullHeight <= 0:
		return fmt.Errorf("%w: map size must be positive, got %dx%d", ErrInvalidConfig, c.FullWidth, c.FullHeight)
	case c.TileSize < 0:
		return fmt.Errorf("%w: tile size must be positive, got %d", ErrInvalidConfig, c.TileSize)
	case c.WorkerCount < 0:
		return fmt.Errorf("%w: worker count must be positive, got %d", ErrInvalidConfig, c.WorkerCount)
	}
	return nil
}

// RenderSet is a snapshot of the tiles to draw. Tiles of the current level and
// sub-sample come last, so they are drawn above the coarser fallback tiles. Tile
// bitmaps are only safe to read within Canvas.View. AlphaTick is the fade-in speed
// given by the TileOptions of the canvas.
type RenderSet struct {
	LevelCount int
	TileSize   int
	Level      int
	SubSample  int
	Scale      float64
	Viewport   Viewport
	AlphaTick  float64
	Tiles      []*Tile
}

type viewportUpdate struct {
	viewport Viewport
	scale    float64
}

type viewRequest struct {
	fn   func(RenderSet)
	done chan struct{}
}

// Canvas is the view-model owning the tiles eligible for render. It resolves the
// visible tiles for each viewport update, asks the Collector for the missing ones,
// merges the decoded tiles and evicts the stale ones.
//
// All the render state is confined to the goroutine started by Run.
type Canvas struct {
	cfg       Config
	resolver  *Resolver
	collector *Collector
	decoder   Decoder
	options   TileOptions
	logger    *slog.Logger
	metrics   *Metrics

	updates  *Conflated[viewportUpdate]
	wanted   *Conflated[[]Spec]
	tilesOut chan *Tile
	views    chan viewRequest

	bitmaps   *BitmapPool
	paintPool *Pool[*Paint]

	idleTimer *debounce
	render    *throttle
	running   atomic.Bool
	stopped   chan struct{}

	tilesToRender    []*Tile
	lastViewport     Viewport
	lastVisible      *VisibleTiles
	lastVisibleCount int
	idle             bool

	latest  atomic.Pointer[RenderSet]
	subsMu  sync.Mutex
	subs    map[int]*Conflated[RenderSet]
	nextSub int
}

type CanvasOption func(*Canvas)

func WithLogger(l *slog.Logger) CanvasOption {
	return func(c *Canvas) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *Metrics) CanvasOption {
	return func(c *Canvas) {
		c.metrics = m
	}
}

func WithDecoder(d Decoder) CanvasOption {
	return func(c *Canvas) {
		if d != nil {
			c.decoder = d
		}
	}
}

func WithTileOptions(o TileOptions) CanvasOption {
	return func(c *Canvas) {
		if o != nil {
			c.options = o
		}
	}
}

// WithIdleDelay sets how long the canvas waits without activity before evicting
// fallback tiles aggressively.
func WithIdleDelay(d time.Duration) CanvasOption {
	return func(c *Canvas) {
		if d > 0 {
			c.idleTimer = newDebounce(d)
		}
	}
}

// WithRenderInterval sets the minimum time between two published render sets.
func WithRenderInterval(d time.Duration) CanvasOption {
	return func(c *Canvas) {
		if d > 0 {
			c.render = newThrottle(d)
		}
	}
}

// NewCanvas validates the configuration and builds the canvas. Nothing runs until Run.
func NewCanvas(cfg Config, provider Provider, opts ...CanvasOption) (*Canvas, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: nil tile provider", ErrInvalidConfig)
	}

	c := &Canvas{
		cfg: cfg,
		resolver: NewResolver(cfg.LevelCount, cfg.FullWidth, cfg.FullHeight,
			WithTileSize(cfg.TileSize), WithMagnifyingFactor(cfg.MagnifyingFactor)),
		decoder:   NewImageDecoder(cfg.TileSize),
		options:   defaultTileOptions{},
		logger:    slog.Default(),
		updates:   NewConflated[viewportUpdate](),
		wanted:    NewConflated[[]Spec](),
		tilesOut:  make(chan *Tile),
		views:     make(chan viewRequest),
		stopped:   make(chan struct{}),
		paintPool: NewPool[*Paint](DefaultPoolThreshold),
		idleTimer: newDebounce(DefaultIdleDelay),
		render:    newThrottle(DefaultRenderInterval),
		subs:      make(map[int]*Conflated[RenderSet]),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.bitmaps = NewBitmapPool(cfg.TileSize, DefaultPoolThreshold, c.metrics)
	c.collector = NewCollector(cfg.WorkerCount, provider, c.decoder,
		WithCollectorLogger(c.logger), WithCollectorMetrics(c.metrics))
	return c, nil
}

// Run starts the collector and the render loop, and blocks until ctx is done.
// A canvas runs at most once.
func (c *Canvas) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.idleTimer.stop()
	defer c.render.stop()

	c.logger.Info("starting tile canvas",
		"levels", c.cfg.LevelCount,
		"width", c.cfg.FullWidth,
		"height", c.cfg.FullHeight,
		"tile_size", c.cfg.TileSize,
		"workers", c.cfg.WorkerCount,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.collector.Run(ctx, c.wanted.C(), c.tilesOut, c.bitmaps)
	})
	g.Go(func() error {
		defer close(c.stopped)
		return c.loop(ctx)
	})
	return g.Wait()
}

func (c *Canvas) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-c.updates.C():
			c.applyUpdate(u)
		case tile := <-c.tilesOut:
			c.receiveTile(tile)
		case <-c.idleTimer.C():
			c.onIdle()
		case <-c.render.C():
			c.render.fired()
			c.publish()
		case req := <-c.views:
			req.fn(c.snapshot())
			close(req.done)
		}
	}
}

// Update sets the viewport and the scale it is expressed at. Updates are conflated:
// only the latest one not yet processed is applied.
func (c *Canvas) Update(vp Viewport, scale float64) {
	c.updates.Offer(viewportUpdate{viewport: vp, scale: scale})
}

// Subscribe returns a stream of render sets with last-value-wins semantics, and a
// function to unsubscribe. The latest render set, if any, is delivered first.
func (c *Canvas) Subscribe() (<-chan RenderSet, func()) {
	box := NewConflated[RenderSet]()

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = box
	c.subsMu.Unlock()

	if latest := c.latest.Load(); latest != nil {
		box.Offer(*latest)
	}
	return box.C(), func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// View calls fn with the current render set from the render loop. The bitmaps of
// the tiles are neither recycled nor rewritten while fn runs, which makes View the
// way to draw them. fn must not retain the render set. View returns ErrNotRunning
// when Run has not been called or has returned.
func (c *Canvas) View(ctx context.Context, fn func(RenderSet)) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	req := viewRequest{fn: fn, done: make(chan struct{})}
	select {
	case c.views <- req:
	case <-c.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the last published render set. Its tiles may be recycled at any
// time: only their specs and paints are safe to read. Paints are copies taken when
// the render set was published.
func (c *Canvas) Latest() RenderSet {
	if latest := c.latest.Load(); latest != nil {
		return *latest
	}
	return RenderSet{LevelCount: c.cfg.LevelCount, TileSize: c.cfg.TileSize}
}

// Config returns the validated configuration.
func (c *Canvas) Config() Config { return c.cfg }

// Stats describes the resources held by the canvas.
type Stats struct {
	RenderSetTiles int `json:"render_set_tiles"`
	PooledBitmaps  int `json:"pooled_bitmaps"`
}

func (c *Canvas) Stats() Stats {
	return Stats{
		RenderSetTiles: len(c.Latest().Tiles),
		PooledBitmaps:  c.bitmaps.Len(),
	}
}

func (c *Canvas) applyUpdate(u viewportUpdate) {
	c.resolver.SetScale(u.scale)
	c.setViewport(u.viewport)
}

// setViewport returns the specs handed to the collector.
func (c *Canvas) setViewport(vp Viewport) []Spec {
	// not idle anymore before anything else, or eviction could drop fallback tiles
	// still needed while the new ones arrive
	c.idle = false
	c.lastViewport = vp

	visible := c.resolver.VisibleTiles(vp)
	missing := c.collectNewTiles(visible)

	c.lastVisible = visible
	c.lastVisibleCount = visible.Count

	c.evict(visible)
	c.idleTimer.touch()
	c.scheduleRender()

	c.logger.Debug("viewport updated",
		"viewport", vp.String(),
		"level", visible.Level,
		"sub_sample", visible.SubSample,
		"visible", visible.Count,
		"requested", len(missing),
	)
	return missing
}

// collectNewTiles asks the collector for the visible specs that have no tile yet.
func (c *Canvas) collectNewTiles(visible *VisibleTiles) []Spec {
	rendered := make(map[Spec]struct{}, len(c.tilesToRender))
	for _, t := range c.tilesToRender {
		rendered[t.Spec] = struct{}{}
	}
	var missing []Spec
	for _, spec := range visible.Specs() {
		if _, ok := rendered[spec]; !ok {
			missing = append(missing, spec)
		}
	}
	c.wanted.Offer(missing)
	return missing
}

func (c *Canvas) receiveTile(t *Tile) {
	if c.lastVisible == nil || !c.lastVisible.Contains(t.Spec) {
		c.recycle(t)
		return
	}
	if c.isRendered(t.Spec) {
		c.recycle(t)
		c.scheduleRender()
		return
	}

	c.setPaint(t)
	c.tilesToRender = append(c.tilesToRender, t)
	c.idleTimer.touch()
	c.scheduleRender()
}

func (c *Canvas) isRendered(s Spec) bool {
	return slices.ContainsFunc(c.tilesToRender, func(t *Tile) bool { return t.Spec == s })
}

// setPaint assigns a paint with a zero alpha, for the tile to fade in.
func (c *Canvas) setPaint(t *Tile) {
	p, ok := c.paintPool.Acquire()
	c.metrics.poolAcquire("paint", ok)
	if !ok {
		p = &Paint{}
	}
	p.SetAlpha(0)
	p.SetColorFilter(c.options.ColorFilter(t.Row, t.Col, t.Level))
	t.Paint = p
}

func (c *Canvas) onIdle() {
	c.idle = true
	if c.lastVisible == nil {
		return
	}
	c.evict(c.lastVisible)
	c.scheduleRender()
}

func (c *Canvas) scheduleRender() {
	if c.render.trigger(time.Now()) {
		c.publish()
	}
}

// snapshot sorts the tiles to render, those of the current level and sub-sample
// last, and returns them as a render set.
func (c *Canvas) snapshot() RenderSet {
	var level, subSample int
	if c.lastVisible != nil {
		level, subSample = c.lastVisible.Level, c.lastVisible.SubSample
	}
	current := func(t *Tile) bool { return t.Level == level && t.SubSample == subSample }
	sort.SliceStable(c.tilesToRender, func(i, j int) bool {
		return !current(c.tilesToRender[i]) && current(c.tilesToRender[j])
	})

	return RenderSet{
		LevelCount: c.cfg.LevelCount,
		TileSize:   c.cfg.TileSize,
		Level:      level,
		SubSample:  subSample,
		Scale:      c.resolver.Scale(),
		Viewport:   c.lastViewport,
		AlphaTick:  c.options.AlphaTick(),
		Tiles:      slices.Clone(c.tilesToRender),
	}
}

// publish sends the render set to the subscribers.
func (c *Canvas) publish() {
	rs := c.snapshot()
	rs.Tiles = detachPaints(rs.Tiles)
	c.latest.Store(&rs)
	c.metrics.setRenderSet(len(rs.Tiles))

	c.subsMu.Lock()
	for _, sub := range c.subs {
		sub.Offer(rs)
	}
	c.subsMu.Unlock()
}

// detachPaints replaces the paint of each tile with a copy, so a published render
// set keeps its alphas once the paints are recycled.
func detachPaints(ts []*Tile) []*Tile {
	for i, t := range ts {
		if t.Paint == nil {
			continue
		}
		p := &Paint{}
		p.SetAlpha(t.Paint.Alpha())
		p.SetColorFilter(t.Paint.ColorFilter())
		detached := *t
		detached.Paint = p
		ts[i] = &detached
	}
	return ts
}
