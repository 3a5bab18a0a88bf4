package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when an artifact does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is the storage abstraction for checkpoint artifacts: variable
// payloads, manifests and pointer files. Implementations must be safe for
// concurrent use.
type Store interface {
	// Open opens an artifact for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create creates an artifact for streaming writes. The artifact becomes
	// visible when the returned blob is closed.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes an artifact atomically.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes an artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all artifacts with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to an artifact.
type Blob interface {
	io.Closer

	// ReadAt reads len(p) bytes starting at offset off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// ReadRange returns a reader over length bytes starting at offset off.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)

	// Size returns the size of the artifact in bytes.
	Size() int64
}

// WritableBlob is a write-only handle to an artifact being created.
type WritableBlob interface {
	io.Writer
	io.Closer

	// Sync flushes buffered data to stable storage where the backend
	// distinguishes that from Close.
	Sync() error
}

// ReadAll reads a whole artifact into memory.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	blob, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	data := make([]byte, blob.Size())
	n, err := blob.ReadAt(ctx, data, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(n) != blob.Size() {
		return nil, fmt.Errorf("artifact: short read of %q: %d of %d bytes", name, n, blob.Size())
	}
	return data, nil
}
