// Package centralstorage holds checkpoint files where every machine of an
// epoch can fetch them: a local directory (single host, tests) or a remote
// blob service.
package centralstorage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("central storage blob not found")

// Storage uploads checkpoint files and returns opaque references to them.
type Storage interface {
	// Upload stores r under key and returns a reference for Download.
	Upload(ctx context.Context, key string, r io.Reader) (string, error)
	// Download writes the referenced blob to w and returns the byte count.
	Download(ctx context.Context, ref string, w io.Writer) (int64, error)
	// Prune removes blobs older than retention and returns how many.
	Prune(ctx context.Context, retention time.Duration) (int, error)
}
