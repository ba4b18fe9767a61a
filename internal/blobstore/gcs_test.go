package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"strings"
	"testing"

	gcs "cloud.google.com/go/storage"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	// objects stores committed objects keyed by object name.
	objects map[string][]byte
	// deleteCalls tracks the number of delete calls.
	deleteCalls int
	// attrsCalls tracks the number of attrs calls.
	attrsCalls int
	// healthErr, when set, is returned from Attrs probes instead of
	// the usual not-found error.
	healthErr error
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{
		objects: make(map[string][]byte),
	}
}

// mockGCSObjectWriter implements GCSWriter. Cancelling the writer's context
// before Close discards the buffered data, mirroring how the real client
// drops an uncommitted resumable session.
type mockGCSObjectWriter struct {
	buf       bytes.Buffer
	client    *mockGCSClient
	object    string
	cancelled bool
	closed    bool
}

func (w *mockGCSObjectWriter) Write(p []byte) (int, error) {
	if w.cancelled {
		return 0, context.Canceled
	}
	return w.buf.Write(p)
}

func (w *mockGCSObjectWriter) Close() error {
	if w.closed {
		return fmt.Errorf("writer already closed")
	}
	w.closed = true
	if w.cancelled {
		return context.Canceled
	}
	w.client.objects[w.object] = w.buf.Bytes()
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, object string, chunkSize int) (GCSWriter, context.CancelFunc) {
	w := &mockGCSObjectWriter{client: m, object: object}
	return w, func() { w.cancelled = true }
}

func (m *mockGCSClient) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockGCSClient) Attrs(ctx context.Context, object string) (*GCSAttrs, error) {
	m.attrsCalls++
	if m.healthErr != nil {
		return nil, m.healthErr
	}
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	h := md5.Sum(data)
	return &GCSAttrs{Size: int64(len(data)), MD5: h[:]}, nil
}

func (m *mockGCSClient) Delete(ctx context.Context, object string) error {
	m.deleteCalls++
	if _, ok := m.objects[object]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, object)
	return nil
}

func newTestGCSStore(t *testing.T) (*GCSStore, *mockGCSClient) {
	t.Helper()
	mock := newMockGCSClient()
	store := NewGCSStoreWithClient("test-bucket", "dd/", 4096, mock)
	return store, mock
}

func TestGCSWriteReadRoundTrip(t *testing.T) {
	store, mock := newTestGCSStore(t)
	ctx := context.Background()

	sink, err := store.OpenSink(ctx, ObjectMetadata{Name: "report.pdf"})
	if err != nil {
		t.Fatalf("OpenSink failed: %v", err)
	}

	content := []byte("Hello, GCS backend!")
	if _, err := sink.Write(ctx, content[:6]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := sink.Write(ctx, content[6:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	handle, err := sink.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if !strings.HasPrefix(handle.Key, "dd/vault/") {
		t.Errorf("handle key = %q, want dd/vault/ prefix", handle.Key)
	}
	if handle.Size != int64(len(content)) {
		t.Errorf("handle size = %d, want %d", handle.Size, len(content))
	}
	wantETag := fmt.Sprintf(`"%x"`, md5.Sum(content))
	if handle.ETag != wantETag {
		t.Errorf("handle ETag = %q, want %q", handle.ETag, wantETag)
	}

	if got := mock.objects[handle.Key]; !bytes.Equal(got, content) {
		t.Errorf("stored object = %q, want %q", got, content)
	}

	r, size, err := store.OpenReadStream(ctx, handle)
	if err != nil {
		t.Fatalf("OpenReadStream failed: %v", err)
	}
	defer r.Close()
	if size != int64(len(content)) {
		t.Errorf("stream size = %d, want %d", size, len(content))
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("stream data = %q, want %q", data, content)
	}
}

func TestGCSAbortDiscardsObject(t *testing.T) {
	store, mock := newTestGCSStore(t)
	ctx := context.Background()

	sink, err := store.OpenSink(ctx, ObjectMetadata{Name: "scrap.bin"})
	if err != nil {
		t.Fatalf("OpenSink failed: %v", err)
	}
	if _, err := sink.Write(ctx, []byte("partial data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := sink.Abort(ctx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if len(mock.objects) != 0 {
		t.Errorf("expected no committed objects after abort, got %d", len(mock.objects))
	}

	// Abort is idempotent.
	if err := sink.Abort(ctx); err != nil {
		t.Errorf("second Abort should not error, got: %v", err)
	}

	// The sink is dead after abort.
	if _, err := sink.Write(ctx, []byte("more")); err == nil {
		t.Error("Write after Abort should fail")
	}
	if _, err := sink.Finalize(ctx); err == nil {
		t.Error("Finalize after Abort should fail")
	}
}

func TestGCSAbortAfterFinalizeIsNoop(t *testing.T) {
	store, mock := newTestGCSStore(t)
	ctx := context.Background()

	sink, err := store.OpenSink(ctx, ObjectMetadata{Name: "keep.bin"})
	if err != nil {
		t.Fatalf("OpenSink failed: %v", err)
	}
	if _, err := sink.Write(ctx, []byte("committed")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	handle, err := sink.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if err := sink.Abort(ctx); err != nil {
		t.Errorf("Abort after Finalize should not error, got: %v", err)
	}
	if _, ok := mock.objects[handle.Key]; !ok {
		t.Error("committed object should survive a late Abort")
	}
}

func TestGCSOpenReadStreamNotFound(t *testing.T) {
	store, _ := newTestGCSStore(t)
	ctx := context.Background()

	_, _, err := store.OpenReadStream(ctx, ObjectHandle{Key: "dd/vault/nonexistent"})
	if err == nil {
		t.Fatal("OpenReadStream should fail for non-existent object")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error should mention 'not found', got: %v", err)
	}
}

func TestGCSDeleteIdempotent(t *testing.T) {
	store, mock := newTestGCSStore(t)
	ctx := context.Background()

	sink, err := store.OpenSink(ctx, ObjectMetadata{Name: "delete-me"})
	if err != nil {
		t.Fatalf("OpenSink failed: %v", err)
	}
	sink.Write(ctx, []byte("data"))
	handle, err := sink.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if err := store.Delete(ctx, handle); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(mock.objects) != 0 {
		t.Error("object should be gone after Delete")
	}

	// Deleting again is fine.
	if err := store.Delete(ctx, handle); err != nil {
		t.Errorf("Delete (non-existent) should not error, got: %v", err)
	}
}

func TestGCSHealthCheck(t *testing.T) {
	store, mock := newTestGCSStore(t)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck should pass on reachable bucket, got: %v", err)
	}

	mock.healthErr = fmt.Errorf("connection refused")
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck should fail when the bucket is unreachable")
	}
}
