package source

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/maptile"

	"github.com/akhenakh/deepzoom/tiles"
)

// MBTiles reads tiles from an MBTiles file. Levels are zoom levels and rows are
// stored bottom-up, following the TMS scheme.
type MBTiles struct {
	db *sql.DB
}

// OpenMBTiles opens an MBTiles file read-only.
func OpenMBTiles(path string) (*MBTiles, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open mbtiles: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open mbtiles %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open mbtiles %s: %w", path, err)
	}
	return &MBTiles{db: db}, nil
}

func (m *MBTiles) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	t, ok := mbtile(row, col, level)
	if !ok {
		return nil, fmt.Errorf("%d/%d/%d is outside the tile grid: %w", level, row, col, tiles.ErrTileNotFound)
	}

	var data []byte
	err := m.db.QueryRowContext(ctx,
		"select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		t.Z, t.X, flipY(t),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%d/%d/%d: %w", level, row, col, tiles.ErrTileNotFound)
		}
		return nil, fmt.Errorf("failed to query tile %d/%d/%d: %w", level, row, col, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Metadata returns the name/value pairs of the metadata table.
func (m *MBTiles) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, "select name, value from metadata")
	if err != nil {
		return nil, fmt.Errorf("failed to read mbtiles metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to read mbtiles metadata: %w", err)
		}
		meta[name] = value
	}
	return meta, rows.Err()
}

func (m *MBTiles) Close() error {
	return m.db.Close()
}

// MBTilesWriter creates an MBTiles file. It is safe for concurrent use.
type MBTilesWriter struct {
	db   *sql.DB
	mu   sync.Mutex
	stmt *sql.Stmt
}

// CreateMBTiles creates a new MBTiles file at path, replacing any existing one, and
// fills its metadata table.
func CreateMBTiles(path string, metadata map[string]string) (*MBTilesWriter, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create mbtiles %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	statements := []string{
		"PRAGMA synchronous=0",
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=DELETE",
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob)",
		"create table if not exists metadata (name text, value text)",
		"create unique index name on metadata (name)",
		"create unique index tile_index on tiles (zoom_level, tile_column, tile_row)",
	}
	for _, s := range statements {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize mbtiles %s: %w", path, err)
		}
	}
	for name, value := range metadata {
		if _, err := db.Exec("insert into metadata (name, value) values (?, ?)", name, value); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to write mbtiles metadata: %w", err)
		}
	}

	stmt, err := db.Prepare("insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare tile insert: %w", err)
	}
	return &MBTilesWriter{db: db, stmt: stmt}, nil
}

// Put stores the encoded bytes of a tile.
func (w *MBTilesWriter) Put(ctx context.Context, row, col, level int, data []byte) error {
	t, ok := mbtile(row, col, level)
	if !ok {
		return fmt.Errorf("tile %d/%d/%d is outside the tile grid", level, row, col)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.stmt.ExecContext(ctx, t.Z, t.X, flipY(t), data); err != nil {
		return fmt.Errorf("failed to insert tile %d/%d/%d: %w", level, row, col, err)
	}
	return nil
}

// Close optimizes the database and closes it.
func (w *MBTilesWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stmt.Close()
	if _, err := w.db.Exec("ANALYZE"); err != nil {
		w.db.Close()
		return fmt.Errorf("failed to analyze mbtiles: %w", err)
	}
	return w.db.Close()
}

// maxZoom keeps 1<<level within uint32 rows and columns.
const maxZoom = 31

// mbtile converts a canvas tile to a map tile, false when it falls outside the
// 2^level x 2^level grid of its zoom level.
func mbtile(row, col, level int) (maptile.Tile, bool) {
	if level < 0 || level > maxZoom || row < 0 || col < 0 {
		return maptile.Tile{}, false
	}
	t := maptile.New(uint32(col), uint32(row), maptile.Zoom(level))
	n := uint32(1) << t.Z
	return t, t.X < n && t.Y < n
}

// flipY converts between XYZ and TMS rows.
func flipY(t maptile.Tile) uint32 {
	return uint32(1)<<t.Z - 1 - t.Y
}
