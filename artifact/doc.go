// Package artifact provides storage abstraction for model checkpoints.
//
// Store is the interface for reading and writing checkpoint artifacts: the
// JSON manifest describing a checkpoint and the compressed variable payload.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with mmap reads and atomic renames
//   - MemoryStore: in-memory store for tests and ephemeral runs
//   - CachedStore: block-level read cache in front of any other store
//   - s3.Store: Amazon S3 with range reads and streaming uploads
//   - s3.CommitStore: S3 plus DynamoDB conditional writes for the LATEST pointer
//   - minio.Store: MinIO and other S3-compatible object stores
//
// # Custom Implementations
//
// Implement the Store interface to support custom backends:
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)            // Open for reading
//	    Create(ctx, name) (WritableBlob, error)  // Create for streaming writes
//	    Put(ctx, name, data) error               // Atomic write
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// For cloud backends, implement ReadRange for efficient partial reads.
package artifact
