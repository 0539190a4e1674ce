package tiles

// evict removes from the render set the tiles that are not needed anymore.
//
// Tiles of the current level and sub-sample outside the visible footprint are
// always dropped. Tiles of other levels are fallbacks: while the canvas is busy they
// are kept as long as they overlap what is shown, and once idle they are all
// dropped, provided the current level is complete.
func (c *Canvas) evict(visible *VisibleTiles) {
	n := c.removeIf(func(t *Tile) bool {
		return t.Level == visible.Level && t.SubSample == visible.SubSample && !visible.Contains(t.Spec)
	})
	c.metrics.evicted("current", n)

	if !c.idle {
		c.partialEviction(visible)
	} else {
		c.aggressiveEviction(visible)
	}
}

// partialEviction drops the tiles of other levels that do not overlap the viewport
// at their own level. Sub-sampled tiles are checked against the level 0 footprint.
func (c *Canvas) partialEviction(visible *VisibleTiles) {
	footprints := make(map[int]*VisibleTiles)
	footprint := func(level int) *VisibleTiles {
		f, ok := footprints[level]
		if !ok {
			f = c.resolver.VisibleTilesAt(c.lastViewport, level)
			footprints[level] = f
		}
		return f
	}

	n := c.removeIf(func(t *Tile) bool {
		switch {
		case t.SubSample > 0:
			return !footprint(0).Overlaps(t.Spec)
		case t.Level != visible.Level:
			return !footprint(t.Level).Overlaps(t.Spec)
		}
		return false
	})
	c.metrics.evicted("partial", n)
}

// aggressiveEviction drops every tile not at the current level and sub-sample, but
// only once all the tiles of the current level have arrived.
func (c *Canvas) aggressiveEviction(visible *VisibleTiles) {
	complete := 0
	for _, t := range c.tilesToRender {
		if t.Level == visible.Level && t.SubSample == visible.SubSample {
			complete++
		}
	}
	if complete < c.lastVisibleCount {
		return
	}

	n := c.removeIf(func(t *Tile) bool {
		return t.Level != visible.Level || t.SubSample != visible.SubSample
	})
	c.metrics.evicted("aggressive", n)
}

// removeIf removes and recycles the tiles matching drop, keeping the order of the
// others. It returns the number of tiles removed.
func (c *Canvas) removeIf(drop func(t *Tile) bool) int {
	kept := c.tilesToRender[:0]
	removed := 0
	for _, t := range c.tilesToRender {
		if drop(t) {
			c.recycle(t)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	clear(c.tilesToRender[len(kept):])
	c.tilesToRender = kept
	return removed
}

// recycle gives the bitmap and paint of a tile back to their pools. The tile itself
// is not modified since a published render set may still reference it.
func (c *Canvas) recycle(t *Tile) {
	if t.Reusable && t.Bitmap != nil {
		c.bitmaps.Release(t.Bitmap)
	}
	if p := t.Paint; p != nil {
		p.reset()
		c.paintPool.Release(p)
	}
}
