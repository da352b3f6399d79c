// Package artifact fetches release bundles from the blob store and verifies
// their integrity before anything on the host is touched.
package artifact

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by a BlobStore when the key does not exist.
// It is distinguishable from transport errors so callers can report a
// missing build versus a flaky store.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore is the read side of the artifact store. Implementations must
// return the stored bytes verbatim.
type BlobStore interface {
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
}
