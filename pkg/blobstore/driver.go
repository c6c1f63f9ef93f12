// Content-addressed local blob storage with hash verification
package blobstore

import (
	"context"
	"io"

	"github.com/function61/holvi/pkg/holtypes"
)

type Driver interface {
	// must be idempotent: writing bytes for an already-stored ref is a no-op
	// success. write must also be atomic - RawFetch() must not observe a
	// partially written blob.
	RawStore(ctx context.Context, ref holtypes.BlobRef, content io.Reader) error

	// raw = driver does no integrity verification, that is done at a higher
	// level. if blob is not found, error must report os.IsNotExist(err) == true
	RawFetch(ctx context.Context, ref holtypes.BlobRef) (io.ReadCloser, error)

	RawExists(ctx context.Context, ref holtypes.BlobRef) (bool, error)

	// drops the stored bytes for a ref. removing an absent blob is a no-op
	// success.
	RawRemove(ctx context.Context, ref holtypes.BlobRef) error

	// verifies the backing location is usable (e.g. directory exists and is
	// marked as ours)
	Mountable(ctx context.Context) error
}
