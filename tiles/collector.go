package tiles

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// BitmapSource lends tileSize bitmaps to the workers. Acquire never blocks: it
// returns a pooled bitmap or allocates one. Release gives back a bitmap that ended
// up unused.
type BitmapSource interface {
	Acquire() *image.RGBA
	Release(b *image.RGBA)
}

// Collector turns the stream of wanted specs into a stream of decoded tiles, using a
// fixed number of workers.
//
//	                 wanted []Spec           statuses          ┌─ worker ─┐
//	Canvas ───> [conflated] ───> coordinator ─────────────>    ├─ worker ─┤ ──> tiles ──> Canvas
//	                                    ^ <──── completions ─── └─ worker ─┘
//
// The coordinator is the only owner of the in-flight set. A spec is handed to at
// most one worker at a time, and specs that stop being wanted before a worker picks
// them up are skipped without any I/O.
type Collector struct {
	workerCount int
	provider    Provider
	decoder     Decoder
	logger      *slog.Logger
	metrics     *Metrics
}

type CollectorOption func(*Collector)

func WithCollectorLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithCollectorMetrics(m *Metrics) CollectorOption {
	return func(c *Collector) {
		c.metrics = m
	}
}

func NewCollector(workerCount int, provider Provider, decoder Decoder, opts ...CollectorOption) *Collector {
	c := &Collector{
		workerCount: max(workerCount, 1),
		provider:    provider,
		decoder:     decoder,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tileStatus is the message exchanged between the coordinator and the workers.
// Only the coordinator writes cancelled. dispatched and rewanted are never seen by
// the workers.
type tileStatus struct {
	spec      Spec
	cancelled atomic.Bool

	// dispatched is set once a worker took the status.
	dispatched bool
	// rewanted is set when a dispatched status is wanted again after being
	// cancelled: its tile may already have been emitted and dropped.
	rewanted bool
}

type completion struct {
	status  *tileStatus
	skipped bool
}

// Run collects tiles until ctx is done. Each value received on specs is the full
// list of specs currently wanted and supersedes the previous one. Tiles are sent on
// out as they are decoded, in no particular order. Run returns ctx.Err().
func (c *Collector) Run(ctx context.Context, specs <-chan []Spec, out chan<- *Tile, bitmaps BitmapSource) error {
	statuses := make(chan *tileStatus)
	completions := make(chan completion)

	g, ctx := errgroup.WithContext(ctx)
	for range c.workerCount {
		g.Go(func() error {
			c.worker(ctx, statuses, completions, out, bitmaps)
			return nil
		})
	}
	g.Go(func() error {
		return c.coordinate(ctx, specs, statuses, completions)
	})
	return g.Wait()
}

func (c *Collector) coordinate(ctx context.Context, specs <-chan []Spec, statuses chan<- *tileStatus, completions <-chan completion) error {
	inFlight := make(map[Spec]*tileStatus)
	var pending []*tileStatus

	for {
		// statuses is only selected when something is waiting for a worker
		var dispatch chan<- *tileStatus
		var head *tileStatus
		if len(pending) > 0 {
			dispatch = statuses
			head = pending[0]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case wanted, ok := <-specs:
			if !ok {
				specs = nil
				continue
			}
			pending = c.merge(wanted, inFlight, pending)

		case dispatch <- head:
			head.dispatched = true
			pending = pending[1:]

		case done := <-completions:
			status := done.status
			if !status.cancelled.Load() && (done.skipped || status.rewanted) {
				// wanted again while the worker was busy with it
				status.dispatched, status.rewanted = false, false
				pending = append(pending, status)
				continue
			}
			delete(inFlight, status.spec)
		}
		c.metrics.setInFlight(len(inFlight))
	}
}

// merge applies a new wanted list: unknown specs are queued, in-flight specs no
// longer wanted are cancelled, and cancelled specs still waiting for a worker are
// dropped right away.
func (c *Collector) merge(wanted []Spec, inFlight map[Spec]*tileStatus, pending []*tileStatus) []*tileStatus {
	wantedSet := make(map[Spec]struct{}, len(wanted))
	for _, spec := range wanted {
		wantedSet[spec] = struct{}{}
	}
	for spec, status := range inFlight {
		_, ok := wantedSet[spec]
		if ok && status.dispatched && status.cancelled.Load() {
			status.rewanted = true
		}
		status.cancelled.Store(!ok)
	}

	kept := pending[:0]
	for _, status := range pending {
		if status.cancelled.Load() {
			delete(inFlight, status.spec)
			c.metrics.fetch("cancelled")
			continue
		}
		kept = append(kept, status)
	}
	clear(pending[len(kept):])

	for _, spec := range wanted {
		if _, ok := inFlight[spec]; ok {
			continue
		}
		status := &tileStatus{spec: spec}
		inFlight[spec] = status
		kept = append(kept, status)
	}
	return kept
}

func (c *Collector) worker(ctx context.Context, statuses <-chan *tileStatus, completions chan<- completion, out chan<- *Tile, bitmaps BitmapSource) {
	for {
		var status *tileStatus
		select {
		case <-ctx.Done():
			return
		case status = <-statuses:
		}

		done := completion{status: status}
		if status.cancelled.Load() {
			done.skipped = true
			c.metrics.fetch("cancelled")
		} else if tile := c.collect(ctx, status.spec, bitmaps); tile != nil {
			select {
			case out <- tile:
			case <-ctx.Done():
				return
			}
		}

		select {
		case completions <- done:
		case <-ctx.Done():
			return
		}
	}
}

// collect fetches and decodes one tile. Failures are not retried: the spec simply
// produces nothing and will be asked for again if it is still visible later.
func (c *Collector) collect(ctx context.Context, spec Spec, bitmaps BitmapSource) *Tile {
	bitmap, err := c.fetchAndDecode(ctx, spec, bitmaps)
	if err != nil {
		c.metrics.fetch("failed")
		if !errors.Is(err, ErrTileNotFound) && !errors.Is(err, context.Canceled) {
			c.logger.Debug("tile collection failed", "spec", spec.String(), "error", err)
		}
		return nil
	}
	c.metrics.fetch("ok")
	return &Tile{
		Spec:     spec,
		Bitmap:   bitmap,
		Reusable: spec.SubSample == 0,
	}
}

func (c *Collector) fetchAndDecode(ctx context.Context, spec Spec, bitmaps BitmapSource) (bitmap *image.RGBA, err error) {
	stream, err := c.provider.Fetch(ctx, spec.Row, spec.Col, spec.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile %s: %w", spec, err)
	}
	if stream == nil {
		return nil, fmt.Errorf("no stream for tile %s: %w", spec, ErrTileNotFound)
	}
	defer stream.Close()

	// sub-sampled tiles get a fresh, smaller bitmap: pooled ones do not fit
	var dst *image.RGBA
	if spec.SubSample == 0 && bitmaps != nil {
		dst = bitmaps.Acquire()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panicked on tile %s: %v", spec, r)
		}
		if err != nil && dst != nil {
			bitmaps.Release(dst)
		}
	}()

	bitmap, err = c.decoder.Decode(stream, dst, spec.SubSample)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile %s: %w", spec, err)
	}
	if bitmap != dst && dst != nil {
		bitmaps.Release(dst)
	}
	return bitmap, nil
}
