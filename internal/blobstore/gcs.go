// Google Cloud Storage backend for Driftdesk.
//
// The GCS backend streams uploads through the official Go client's object
// Writer, which drives the GCS resumable-upload protocol under the hood:
// bytes are buffered up to ChunkSize and sent as resumable-session chunks.
// Aborting a sink cancels the writer's context, which discards the
// server-side session.
//
// Key mapping:
//
//	Objects: {prefix}vault/{id}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	gcs "cloud.google.com/go/storage"

	"github.com/driftdesk/driftdesk/internal/uid"
)

// defaultGCSChunkSize is the resumable-upload chunk size used when the
// configuration does not specify one.
const defaultGCSChunkSize = 4 * 1024 * 1024

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object together with a
	// cancel function that aborts the writer's resumable session.
	NewWriter(ctx context.Context, object string, chunkSize int) (GCSWriter, context.CancelFunc)
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, object string) (io.ReadCloser, error)
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, object string) (*GCSAttrs, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, object string) error
}

// GCSWriter is a writer for a single GCS object.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
	MD5  []byte // raw MD5 hash bytes
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
	bucket string
}

func (c *realGCSClient) NewWriter(ctx context.Context, object string, chunkSize int) (GCSWriter, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	w := c.client.Bucket(c.bucket).Object(object).NewWriter(wctx)
	w.ChunkSize = chunkSize
	return w, cancel
}

func (c *realGCSClient) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	return c.client.Bucket(c.bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(c.bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Delete(ctx context.Context, object string) error {
	return c.client.Bucket(c.bucket).Object(object).Delete(ctx)
}

// GCSStore implements the Store interface on Google Cloud Storage.
type GCSStore struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Prefix is the object name prefix for all Driftdesk objects.
	Prefix string
	// ChunkSize is the resumable-upload chunk size in bytes.
	ChunkSize int
	// client is the GCS client (satisfying the GCSAPI interface).
	client GCSAPI
}

// NewGCSStore creates a new GCSStore targeting the given bucket. It
// initializes the GCS client using Application Default Credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string, chunkSize int) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = defaultGCSChunkSize
	}

	s := &GCSStore{
		Bucket:    bucket,
		Prefix:    prefix,
		ChunkSize: chunkSize,
		client:    &realGCSClient{client: client, bucket: bucket},
	}

	// Verify the upstream bucket is accessible by probing a non-existent
	// object: reachable means ErrObjectNotExist, anything else is a
	// connectivity or permission problem.
	_, err = s.client.Attrs(ctx, "\x00nonexistent\x00")
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS blob store initialized", "bucket", bucket, "prefix", prefix, "chunk_size", chunkSize)
	return s, nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSStoreWithClient(bucket, prefix string, chunkSize int, client GCSAPI) *GCSStore {
	if chunkSize <= 0 {
		chunkSize = defaultGCSChunkSize
	}
	return &GCSStore{Bucket: bucket, Prefix: prefix, ChunkSize: chunkSize, client: client}
}

// objectName maps a fresh object id to an upstream GCS object name.
func (s *GCSStore) objectName(id string) string {
	return s.Prefix + "vault/" + id
}

// OpenSink opens a GCS writer for a fresh object name. The writer is the
// resumable-upload session; nothing is committed until it is closed.
func (s *GCSStore) OpenSink(ctx context.Context, meta ObjectMetadata) (WriteSink, error) {
	object := s.objectName(uid.New())
	// The writer outlives the init request, so it is detached from the
	// request's cancellation.
	w, cancel := s.client.NewWriter(context.WithoutCancel(ctx), object, s.ChunkSize)
	return &gcsSink{store: s, object: object, w: w, cancel: cancel}, nil
}

// gcsSink adapts a GCS object writer to the WriteSink interface.
type gcsSink struct {
	store  *GCSStore
	object string
	w      GCSWriter
	cancel context.CancelFunc
	size   int64
	done   bool
}

func (k *gcsSink) Write(ctx context.Context, p []byte) (int, error) {
	if k.done {
		return 0, fmt.Errorf("write to finalized or aborted sink")
	}
	n, err := k.w.Write(p)
	k.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("writing to GCS: %w", err)
	}
	return n, nil
}

func (k *gcsSink) Finalize(ctx context.Context) (ObjectHandle, error) {
	if k.done {
		return ObjectHandle{}, fmt.Errorf("sink already released")
	}
	k.done = true
	defer k.cancel()

	// Closing the writer commits the resumable session.
	if err := k.w.Close(); err != nil {
		return ObjectHandle{}, fmt.Errorf("committing GCS object: %w", err)
	}

	attrs, err := k.store.client.Attrs(ctx, k.object)
	if err != nil {
		return ObjectHandle{}, fmt.Errorf("reading GCS object attributes: %w", err)
	}

	return ObjectHandle{
		Key:  k.object,
		Size: attrs.Size,
		ETag: fmt.Sprintf(`"%x"`, attrs.MD5),
	}, nil
}

func (k *gcsSink) Abort(ctx context.Context) error {
	if k.done {
		return nil
	}
	k.done = true
	// Cancelling the writer context discards the server-side resumable
	// session; the subsequent Close error is expected.
	k.cancel()
	k.w.Close()
	return nil
}

// OpenReadStream opens a reader for a finalized GCS object. The caller is
// responsible for closing the returned ReadCloser.
func (s *GCSStore) OpenReadStream(ctx context.Context, handle ObjectHandle) (io.ReadCloser, int64, error) {
	attrs, err := s.client.Attrs(ctx, handle.Key)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("object not found: %s", handle.Key)
		}
		return nil, 0, fmt.Errorf("reading GCS object attributes: %w", err)
	}

	r, err := s.client.NewReader(ctx, handle.Key)
	if err != nil {
		return nil, 0, fmt.Errorf("opening GCS object reader: %w", err)
	}
	return r, attrs.Size, nil
}

// Delete removes a finalized object from GCS. Idempotent.
func (s *GCSStore) Delete(ctx context.Context, handle ObjectHandle) error {
	err := s.client.Delete(ctx, handle.Key)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("deleting GCS object: %w", err)
	}
	return nil
}

// HealthCheck probes the upstream bucket.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.Attrs(ctx, "\x00nonexistent\x00")
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("GCS health check: %w", err)
	}
	return nil
}
