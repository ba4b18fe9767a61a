// Package blobstore defines the interface and implementations for Driftdesk's
// blob storage layer: the destination for uploaded file bytes.
package blobstore

import (
	"context"
	"io"
)

// ObjectMetadata carries caller-supplied metadata for a new object. It is
// opaque to the upload engine; backends may use it to pick content types or
// object names.
type ObjectMetadata struct {
	// Name is the client-facing file name.
	Name string
	// ContentType is the MIME type of the payload.
	ContentType string
}

// ObjectHandle is a permanent reference to a finalized stored object. It is
// the completion value of a write sink and the argument to read/delete.
type ObjectHandle struct {
	// Key is the backend-specific object key.
	Key string
	// Size is the object size in bytes.
	Size int64
	// ETag is the backend's content tag (typically an MD5 hex digest).
	ETag string
}

// WriteSink is an open, append-only write session against a blob store.
// A sink is exclusively owned by a single upload session: it is opened once,
// written by at most one goroutine at a time, and released exactly once via
// Finalize or Abort.
type WriteSink interface {
	// Write appends bytes to the sink. It may block while the backend
	// applies its own backpressure.
	Write(ctx context.Context, p []byte) (int, error)

	// Finalize signals end of data, durably flushes everything, and returns
	// the permanent handle of the stored object.
	Finalize(ctx context.Context) (ObjectHandle, error)

	// Abort discards partial data and releases the sink's resources.
	// Idempotent, and safe to call after a failed Write.
	Abort(ctx context.Context) error
}

// Store defines the narrow blob-store capability the upload engine consumes:
// open a write sink, and read back or delete a finalized object.
// Implementations provide the underlying storage mechanism (local content
// store, GCS, S3, Azure Blob). All methods must be safe for concurrent use.
type Store interface {
	// OpenSink begins a new write session. It returns immediately and must
	// not require the full object up front.
	OpenSink(ctx context.Context, meta ObjectMetadata) (WriteSink, error)

	// OpenReadStream opens a readable stream of a previously finalized
	// object. The caller is responsible for closing the returned ReadCloser.
	// Returns the stream and the object size in bytes.
	OpenReadStream(ctx context.Context, handle ObjectHandle) (io.ReadCloser, int64, error)

	// Delete permanently removes a finalized object. Idempotent.
	Delete(ctx context.Context, handle ObjectHandle) error

	// HealthCheck verifies that the blob store is operational.
	HealthCheck(ctx context.Context) error
}
