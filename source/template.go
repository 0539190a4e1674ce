// Package source provides tiles.Provider implementations reading tiles from local
// directories, HTTP servers, cloud buckets and MBTiles files, plus providers
// composing them.
package source

import (
	"strconv"
	"strings"
)

// DefaultTemplate is the layout used when a directory or bucket source is given no
// template.
const DefaultTemplate = "{level}/{row}/{col}.png"

// Expand replaces the placeholders of a tile path or URL template. {level} and {z}
// both give the level shifted by zoomOffset, {row} and {y} the row, {col} and {x}
// the column.
func Expand(template string, row, col, level, zoomOffset int) string {
	z := strconv.Itoa(level + zoomOffset)
	r := strconv.Itoa(row)
	c := strconv.Itoa(col)
	return strings.NewReplacer(
		"{level}", z, "{z}", z,
		"{row}", r, "{y}", r,
		"{col}", c, "{x}", c,
	).Replace(template)
}
