package source

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/akhenakh/deepzoom/tiles"
)

// Blob reads tiles from a cloud bucket (S3, GCS, Azure, local files, memory),
// one object per tile.
type Blob struct {
	bucket   *blob.Bucket
	template string
}

// NewBlob returns a source reading the objects of bucket named following template.
// An empty template means DefaultTemplate. The caller keeps ownership of bucket.
func NewBlob(bucket *blob.Bucket, template string) *Blob {
	if template == "" {
		template = DefaultTemplate
	}
	return &Blob{bucket: bucket, template: template}
}

func (b *Blob) Fetch(ctx context.Context, row, col, level int) (io.ReadCloser, error) {
	key := Expand(b.template, row, col, level, 0)
	reader, err := b.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", key, tiles.ErrTileNotFound)
		}
		return nil, fmt.Errorf("failed to create reader for key %s: %w", key, err)
	}
	return reader, nil
}
