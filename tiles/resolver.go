package tiles

import (
	"math"
	"sort"
)

// DefaultTileSize is the edge length in pixels of the square tiles.
const DefaultTileSize = 256

// ColRange is an inclusive range of column indexes.
type ColRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

func (r ColRange) Contains(col int) bool { return col >= r.First && col <= r.Last }
func (r ColRange) Len() int { return r.Last - r.First + 1 }

// TileMatrix maps a row index to the range of columns needed on that row.
type TileMatrix map[int]ColRange

// Contains reports whether the (row, col) pair is part of the matrix.
func (m TileMatrix) Contains(row, col int) bool {
	r, ok := m[row]
	return ok && r.Contains(col)
}

// Rows returns the row indexes of the matrix in increasing order.
func (m TileMatrix) Rows() []int {
	rows := make([]int, 0, len(m))
	for row := range m {
		rows = append(rows, row)
	}
	sort.Ints(rows)
	return rows
}

// VisibleTiles is the tile footprint needed to cover a viewport at a given level.
type VisibleTiles struct {
	Level     int        `json:"level"`
	SubSample int        `json:"sub_sample"`
	Matrix    TileMatrix `json:"matrix"`
	Count     int        `json:"count"`
}

// Contains reports whether the spec belongs to this footprint, sub-sampling included.
func (v *VisibleTiles) Contains(s Spec) bool {
	return v.Level == s.Level && v.SubSample == s.SubSample && v.Matrix.Contains(s.Row, s.Col)
}

// Overlaps is Contains without the sub-sample match: a tile of the same level
// covering the same place.
func (v *VisibleTiles) Overlaps(s Spec) bool {
	return v.Level == s.Level && v.Matrix.Contains(s.Row, s.Col)
}

// Specs lists the specs of the footprint, row by row.
func (v *VisibleTiles) Specs() []Spec {
	specs := make([]Spec, 0, v.Count)
	for _, row := range v.Matrix.Rows() {
		r := v.Matrix[row]
		for col := r.First; col <= r.Last; col++ {
			specs = append(specs, Spec{Level: v.Level, Row: row, Col: col, SubSample: v.SubSample})
		}
	}
	return specs
}

// Resolver computes the tiles needed to cover a viewport for the current scale.
// It holds the current scale, so it is not safe for concurrent use.
type Resolver struct {
	levelCount       int
	fullWidth        int
	fullHeight       int
	tileSize         int
	magnifyingFactor int

	scale         float64
	currentLevel  int
	subSample     int
	scaleForLevel []float64
}

type ResolverOption func(*Resolver)

func WithTileSize(size int) ResolverOption {
	return func(r *Resolver) {
		if size > 0 {
			r.tileSize = size
		}
	}
}

// WithMagnifyingFactor alters the level picked for a given scale. With 0 the level
// immediately higher is picked, avoiding sub-sampling. With 1 the level matching the
// scale is picked, which is then displayed at a relative scale between 1 and 2.
func WithMagnifyingFactor(factor int) ResolverOption {
	return func(r *Resolver) {
		r.magnifyingFactor = factor
	}
}

// NewResolver returns a resolver for a map of fullWidth x fullHeight pixels at scale 1,
// split into levelCount levels. The last level is at scale 1, each previous one
// halving the scale.
func NewResolver(levelCount, fullWidth, fullHeight int, opts ...ResolverOption) *Resolver {
	if levelCount < 1 {
		levelCount = 1
	}
	r := &Resolver{
		levelCount:   levelCount,
		fullWidth:    fullWidth,
		fullHeight:   fullHeight,
		tileSize:     DefaultTileSize,
		scale:        1,
		currentLevel: levelCount - 1,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.scaleForLevel = make([]float64, levelCount)
	for level := range r.scaleForLevel {
		r.scaleForLevel[level] = 1 / math.Pow(2, float64(levelCount-level-1))
	}
	return r
}

func (r *Resolver) LevelCount() int { return r.levelCount }
func (r *Resolver) TileSize() int { return r.tileSize }
func (r *Resolver) Scale() float64 { return r.scale }
func (r *Resolver) CurrentLevel() int { return r.currentLevel }
func (r *Resolver) SubSample() int { return r.subSample }

// ScaleForLevel returns the scale of a level, false when no such level exists.
func (r *Resolver) ScaleForLevel(level int) (float64, bool) {
	if level < 0 || level >= r.levelCount {
		return 0, false
	}
	return r.scaleForLevel[level], true
}

// SetScale updates the current level and sub-sample for the given scale.
// Non-positive or NaN scales are ignored.
func (r *Resolver) SetScale(scale float64) {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return
	}
	r.scale = scale

	if lowest := r.scaleForLevel[0]; scale < lowest {
		r.subSample = int(math.Ceil(math.Log2(lowest / scale)))
	} else {
		r.subSample = 0
	}
	r.currentLevel = r.levelFor(scale)
}

// levelFor returns a level in [0, levelCount-1]. Scales outside the configured
// bounds are clamped, whatever the magnifying factor.
func (r *Resolver) levelFor(scale float64) int {
	partial := float64(r.levelCount-1-r.magnifyingFactor) + math.Log2(scale)
	capped := math.Min(partial, float64(r.levelCount-1))
	return int(math.Ceil(math.Max(capped, 0)))
}

// MaxCol returns the highest column index at a level.
func (r *Resolver) MaxCol(level int) int {
	return r.maxIndex(r.fullWidth, level)
}

// MaxRow returns the highest row index at a level.
func (r *Resolver) MaxRow(level int) int {
	return r.maxIndex(r.fullHeight, level)
}

func (r *Resolver) maxIndex(dimension, level int) int {
	scaleAtLevel := r.scaleForLevel[r.clampLevel(level)]
	n := int(math.Ceil(float64(dimension)*scaleAtLevel/float64(r.tileSize))) - 1
	return max(n, 0)
}

func (r *Resolver) clampLevel(level int) int {
	return max(0, min(level, r.levelCount-1))
}

// VisibleTiles returns the tiles covering the viewport at the current level.
func (r *Resolver) VisibleTiles(vp Viewport) *VisibleTiles {
	return r.VisibleTilesAt(vp, r.currentLevel)
}

// VisibleTilesAt returns the tiles covering the viewport at the given level. A rotated
// viewport is first replaced by its bounding box. Indexes are always clamped to the
// tile grid of the level, even for viewports exceeding the map.
func (r *Resolver) VisibleTilesAt(vp Viewport, level int) *VisibleTiles {
	level = r.clampLevel(level)
	vp = vp.Bounds()

	scaleAtLevel := r.scaleForLevel[level]
	relativeScale := r.scale / scaleAtLevel
	maxCol, maxRow := r.MaxCol(level), r.MaxRow(level)

	scaledTileSize := float64(r.tileSize) * relativeScale

	colLeft := clamp(int(math.Floor(float64(vp.Left)/scaledTileSize)), 0, maxCol)
	rowTop := clamp(int(math.Floor(float64(vp.Top)/scaledTileSize)), 0, maxRow)
	colRight := clamp(int(math.Ceil(float64(vp.Right)/scaledTileSize))-1, colLeft, maxCol)
	rowBottom := clamp(int(math.Ceil(float64(vp.Bottom)/scaledTileSize))-1, rowTop, maxRow)

	subSample := 0
	if level == 0 {
		subSample = r.subSample
	}

	matrix := make(TileMatrix, rowBottom-rowTop+1)
	for row := rowTop; row <= rowBottom; row++ {
		matrix[row] = ColRange{First: colLeft, Last: colRight}
	}

	return &VisibleTiles{
		Level:     level,
		SubSample: subSample,
		Matrix:    matrix,
		Count:     (rowBottom - rowTop + 1) * (colRight - colLeft + 1),
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
