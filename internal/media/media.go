// Package media stores the payload bytes of captured result files. The
// database keeps only an opaque key per result; the bytes live in one of
// these stores. Keys follow results/<job uuid>/<filename>, with no extra
// metadata files.
package media

import (
	"context"
	"io"
	"path"
)

// Store persists result payloads under opaque keys.
type Store interface {
	// Put writes the full contents of r under key, replacing any previous
	// value.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the payload stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the payload stored under key, if present.
	Delete(ctx context.Context, key string) error
}

// ResultKey builds the storage key for one captured file of a job.
func ResultKey(jobUUID, filename string) string {
	return path.Join("results", jobUUID, filename)
}
