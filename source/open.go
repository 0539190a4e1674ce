package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/akhenakh/deepzoom/tiles"
)

// Source is a provider holding resources released by Close.
type Source interface {
	tiles.Provider
	Close() error
}

type nopCloser struct {
	tiles.Provider
}

func (nopCloser) Close() error { return nil }

type closer struct {
	tiles.Provider
	close func() error
}

func (c closer) Close() error { return c.close() }

// Open returns the source described by spec:
//
//	labeled:                                  generated tiles showing their coordinates
//	dir:/data/tiles                           files laid out as DefaultTemplate
//	dir:/data/tiles/{level}/{col}_{row}.jpg   files laid out as the template
//	mbtiles:/data/map.mbtiles                 an MBTiles file
//	blob:s3://bucket?region=eu-west-1         a gocloud.dev bucket, optionally followed
//	                                          by #template
//	https://tile.example.com/{z}/{x}/{y}.png  a tile server
func Open(ctx context.Context, spec string, tileSize int) (Source, error) {
	scheme, rest, _ := strings.Cut(spec, ":")
	switch scheme {
	case "labeled":
		return nopCloser{NewLabeled(tileSize)}, nil

	case "dir":
		root, template := splitTemplate(rest)
		d, err := OpenDir(root, template)
		if err != nil {
			return nil, err
		}
		return nopCloser{d}, nil

	case "mbtiles":
		m, err := OpenMBTiles(rest)
		if err != nil {
			return nil, err
		}
		return m, nil

	case "blob":
		bucketURL, template, _ := strings.Cut(rest, "#")
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
		}
		return closer{Provider: NewBlob(bucket, template), close: bucket.Close}, nil

	case "http", "https":
		return nopCloser{NewHTTP(spec)}, nil
	}
	return nil, fmt.Errorf("unknown tile source %q", spec)
}

// splitTemplate separates the directory part of a path from the templated part
// starting at the first placeholder.
func splitTemplate(path string) (root, template string) {
	i := strings.Index(path, "{")
	if i < 0 {
		return path, ""
	}
	root = filepath.Dir(path[:i+1])
	template, err := filepath.Rel(root, path)
	if err != nil {
		return path, ""
	}
	return root, filepath.ToSlash(template)
}
