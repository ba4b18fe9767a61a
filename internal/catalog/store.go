// Package catalog stores file records: the durable metadata for objects
// that have been uploaded (or are being uploaded) to the blob store.
package catalog

import (
	"context"
	"time"
)

// File statuses. A record is created as StatusUploading when the upload
// session is initiated and promoted to StatusCompleted when the final
// chunk lands; failed and cancelled uploads mark it StatusFailed so the
// row explains the orphan instead of silently vanishing.
const (
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// FileRecord is the catalog entry for one file.
type FileRecord struct {
	// ID is the public file identifier.
	ID string
	// OwnerID identifies the user the file belongs to.
	OwnerID string
	// Name is the client-supplied display name.
	Name string
	// ContentType is the MIME type declared at upload initiation.
	ContentType string
	// Size is the total size in bytes.
	Size int64
	// ETag is the content checksum reported by the blob store.
	ETag string
	// BlobKey locates the object in the blob store. Empty until completed.
	BlobKey string
	// Status is one of the Status* constants above.
	Status string
	// CreatedAt is when the upload was initiated.
	CreatedAt time.Time
	// CompletedAt is when the final chunk was accepted. Zero until then.
	CompletedAt time.Time
}

// Store is the interface all catalog backends implement. Lookups return
// (nil, nil) when the record does not exist.
type Store interface {
	// CreateFile inserts a new file record.
	CreateFile(ctx context.Context, rec *FileRecord) error

	// GetFile retrieves a file record by ID.
	GetFile(ctx context.Context, id string) (*FileRecord, error)

	// UpdateFile replaces the mutable fields of an existing record.
	UpdateFile(ctx context.Context, rec *FileRecord) error

	// DeleteFile removes a file record. Deleting an absent ID is a no-op.
	DeleteFile(ctx context.Context, id string) error

	// ListFiles returns the records owned by the given owner, newest first.
	ListFiles(ctx context.Context, ownerID string) ([]FileRecord, error)

	// Close releases any resources held by the store.
	Close() error
}
