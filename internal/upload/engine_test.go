package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftdesk/driftdesk/internal/blobstore"
	uperr "github.com/driftdesk/driftdesk/internal/errors"
)

// fakeStore is an in-memory blobstore.Store that hands out fakeWriteSinks.
type fakeStore struct {
	mu      sync.Mutex
	sinks   []*fakeWriteSink
	openErr error
}

func (s *fakeStore) OpenSink(ctx context.Context, meta blobstore.ObjectMetadata) (blobstore.WriteSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	sink := &fakeWriteSink{handle: blobstore.ObjectHandle{
		Key:  "blob-" + meta.Name,
		ETag: "etag-" + meta.Name,
	}}
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

func (s *fakeStore) OpenReadStream(ctx context.Context, handle blobstore.ObjectHandle) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.sinks {
		if sink.handle.Key == handle.Key {
			data, _, _ := sink.snapshot()
			return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
		}
	}
	return nil, 0, uperr.ErrFileNotFound
}

func (s *fakeStore) Delete(ctx context.Context, handle blobstore.ObjectHandle) error {
	return nil
}

func (s *fakeStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *fakeStore) lastSink() *fakeWriteSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sinks) == 0 {
		return nil
	}
	return s.sinks[len(s.sinks)-1]
}

func newTestEngine(t *testing.T) (*Engine, *Registry, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	registry := NewRegistry()
	engine := NewEngine(registry, store, EngineConfig{
		HighWaterMark: 64,
		ReadChunkSize: 16,
		MaxUploadSize: 1 << 20,
	})
	return engine, registry, store
}

// appendString streams a chunk with a Content-Length matching the body.
func appendString(t *testing.T, e *Engine, sessionID, ownerID, rangeHeader, body string) (ChunkResult, error) {
	t.Helper()
	return e.AppendChunk(context.Background(), sessionID, ownerID, rangeHeader,
		strings.NewReader(body), int64(len(body)))
}

func TestEngineSingleChunkUpload(t *testing.T) {
	e, r, store := newTestEngine(t)

	sess, err := e.InitUpload(context.Background(), "owner-1", 11, blobstore.ObjectMetadata{Name: "hello.txt"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	result, err := appendString(t, e, sess.ID, "owner-1", "bytes 0-10/11", "hello world")
	if err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if !result.Complete {
		t.Fatal("single full chunk did not complete the upload")
	}
	if result.ReceivedSize != 11 {
		t.Errorf("ReceivedSize = %d, want 11", result.ReceivedSize)
	}
	if result.Handle.Key != "blob-hello.txt" {
		t.Errorf("Handle.Key = %q, want blob-hello.txt", result.Handle.Key)
	}

	data, finalizes, aborts := store.lastSink().snapshot()
	if string(data) != "hello world" {
		t.Errorf("backend data = %q, want hello world", data)
	}
	if finalizes != 1 || aborts != 0 {
		t.Errorf("finalizes = %d, aborts = %d, want 1, 0", finalizes, aborts)
	}

	// Completed sessions leave the registry.
	if r.Len() != 0 {
		t.Errorf("registry len = %d after completion, want 0", r.Len())
	}
	if _, err := e.Status(sess.ID, "owner-1"); !errors.Is(err, uperr.ErrUploadNotFound) {
		t.Errorf("Status after completion = %v, want ErrUploadNotFound", err)
	}
}

func TestEngineMultiChunkUpload(t *testing.T) {
	e, _, store := newTestEngine(t)

	payload := strings.Repeat("abcdefgh", 12) // 96 bytes
	sess, err := e.InitUpload(context.Background(), "owner-1", int64(len(payload)), blobstore.ObjectMetadata{Name: "multi.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	chunks := []struct {
		start, end int64
	}{
		{0, 31},
		{32, 63},
		{64, 95},
	}
	for i, c := range chunks {
		header := fmt.Sprintf("bytes %d-%d/%d", c.start, c.end, len(payload))
		result, err := appendString(t, e, sess.ID, "owner-1", header, payload[c.start:c.end+1])
		if err != nil {
			t.Fatalf("AppendChunk %d: %v", i, err)
		}
		wantReceived := c.end + 1
		if result.ReceivedSize != wantReceived {
			t.Errorf("chunk %d ReceivedSize = %d, want %d", i, result.ReceivedSize, wantReceived)
		}
		wantComplete := i == len(chunks)-1
		if result.Complete != wantComplete {
			t.Errorf("chunk %d Complete = %v, want %v", i, result.Complete, wantComplete)
		}
	}

	data, _, _ := store.lastSink().snapshot()
	if string(data) != payload {
		t.Errorf("backend data mismatch: got %d bytes, want %d", len(data), len(payload))
	}
}

func TestEngineInitValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.InitUpload(ctx, "owner-1", 0, blobstore.ObjectMetadata{Name: "z"}); !errors.Is(err, uperr.ErrInvalidSize) {
		t.Errorf("InitUpload(0) = %v, want ErrInvalidSize", err)
	}
	if _, err := e.InitUpload(ctx, "owner-1", -5, blobstore.ObjectMetadata{Name: "z"}); !errors.Is(err, uperr.ErrInvalidSize) {
		t.Errorf("InitUpload(-5) = %v, want ErrInvalidSize", err)
	}
	if _, err := e.InitUpload(ctx, "owner-1", 2<<20, blobstore.ObjectMetadata{Name: "z"}); !errors.Is(err, uperr.ErrEntityTooLarge) {
		t.Errorf("InitUpload(over max) = %v, want ErrEntityTooLarge", err)
	}
}

func TestEngineOutOfOrderChunkLeavesSessionIntact(t *testing.T) {
	e, _, _ := newTestEngine(t)

	sess, err := e.InitUpload(context.Background(), "owner-1", 8, blobstore.ObjectMetadata{Name: "ooo.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 0-3/8", "aaaa"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	// Replay of an already-accepted chunk.
	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 0-3/8", "aaaa"); !errors.Is(err, uperr.ErrOutOfOrderChunk) {
		t.Fatalf("replayed chunk = %v, want ErrOutOfOrderChunk", err)
	}
	// Gap.
	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 6-7/8", "bb"); !errors.Is(err, uperr.ErrOutOfOrderChunk) {
		t.Fatalf("gapped chunk = %v, want ErrOutOfOrderChunk", err)
	}

	// The rejection consumed nothing; the session resumes normally.
	snap, err := e.Status(sess.ID, "owner-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.ReceivedSize != 4 || snap.Status != StatusUploading {
		t.Fatalf("snapshot after rejection = %+v, want 4/uploading", snap)
	}

	result, err := appendString(t, e, sess.ID, "owner-1", "bytes 4-7/8", "bbbb")
	if err != nil {
		t.Fatalf("AppendChunk after rejection: %v", err)
	}
	if !result.Complete {
		t.Error("upload did not complete after recovering from rejection")
	}
}

func TestEngineChunkValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	sess, err := e.InitUpload(context.Background(), "owner-1", 100, blobstore.ObjectMetadata{Name: "v.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		header  string
		body    string
		length  int64
		wantErr *uperr.UploadError
	}{
		{
			name:    "malformed range",
			header:  "bytes 0..9/100",
			body:    "aaaaaaaaaa",
			length:  10,
			wantErr: uperr.ErrMalformedRange,
		},
		{
			name:    "range past total",
			header:  "bytes 0-100/100",
			body:    "x",
			length:  1,
			wantErr: uperr.ErrRangeExceedsTotal,
		},
		{
			name:    "total mismatch",
			header:  "bytes 0-9/200",
			body:    "aaaaaaaaaa",
			length:  10,
			wantErr: uperr.ErrTotalMismatch,
		},
		{
			name:    "length disagrees with range",
			header:  "bytes 0-9/100",
			body:    "aaaa",
			length:  4,
			wantErr: uperr.ErrInvalidContentLength,
		},
		{
			name:    "zero length",
			header:  "bytes 0-9/100",
			body:    "",
			length:  0,
			wantErr: uperr.ErrInvalidContentLength,
		},
		{
			name:    "missing length",
			header:  "bytes 0-9/100",
			body:    "aaaaaaaaaa",
			length:  -1,
			wantErr: uperr.ErrMissingContentLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AppendChunk(ctx, sess.ID, "owner-1", tt.header,
				strings.NewReader(tt.body), tt.length)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AppendChunk = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Every rejection above was pre-body; the session is still usable.
	snap, err := e.Status(sess.ID, "owner-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.ReceivedSize != 0 {
		t.Errorf("ReceivedSize = %d after rejected chunks, want 0", snap.ReceivedSize)
	}
}

func TestEngineShortBodyPoisonsSession(t *testing.T) {
	e, r, store := newTestEngine(t)

	sess, err := e.InitUpload(context.Background(), "owner-1", 100, blobstore.ObjectMetadata{Name: "short.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	// Declared 10 bytes, body carries 4. Bytes may already be in the
	// backend, so the session cannot be salvaged.
	_, err = e.AppendChunk(context.Background(), sess.ID, "owner-1", "bytes 0-9/100",
		strings.NewReader("aaaa"), 10)
	if !errors.Is(err, uperr.ErrIncompleteChunk) {
		t.Fatalf("short body = %v, want ErrIncompleteChunk", err)
	}

	if r.Len() != 0 {
		t.Errorf("registry len = %d after poisoned session, want 0", r.Len())
	}
	if _, err := e.Status(sess.ID, "owner-1"); !errors.Is(err, uperr.ErrUploadNotFound) {
		t.Errorf("Status after poison = %v, want ErrUploadNotFound", err)
	}

	waitFor(t, func() bool {
		_, finalizes, aborts := store.lastSink().snapshot()
		return aborts == 1 && finalizes == 0
	})
}

func TestEngineOwnership(t *testing.T) {
	e, _, _ := newTestEngine(t)

	sess, err := e.InitUpload(context.Background(), "owner-1", 10, blobstore.ObjectMetadata{Name: "mine.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	if _, err := appendString(t, e, sess.ID, "intruder", "bytes 0-9/10", "aaaaaaaaaa"); !errors.Is(err, uperr.ErrForbidden) {
		t.Errorf("AppendChunk as intruder = %v, want ErrForbidden", err)
	}
	if _, err := e.Status(sess.ID, "intruder"); !errors.Is(err, uperr.ErrForbidden) {
		t.Errorf("Status as intruder = %v, want ErrForbidden", err)
	}
	if err := e.CancelUpload(context.Background(), sess.ID, "intruder"); !errors.Is(err, uperr.ErrForbidden) {
		t.Errorf("Cancel as intruder = %v, want ErrForbidden", err)
	}

	// The owner is unaffected.
	if _, err := e.Status(sess.ID, "owner-1"); err != nil {
		t.Errorf("Status as owner: %v", err)
	}
}

func TestEngineCancelUpload(t *testing.T) {
	e, r, store := newTestEngine(t)
	ctx := context.Background()

	sess, err := e.InitUpload(ctx, "owner-1", 100, blobstore.ObjectMetadata{Name: "cancel.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}
	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 0-9/100", "aaaaaaaaaa"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	if err := e.CancelUpload(ctx, sess.ID, "owner-1"); err != nil {
		t.Fatalf("CancelUpload: %v", err)
	}

	if r.Len() != 0 {
		t.Errorf("registry len = %d after cancel, want 0", r.Len())
	}
	waitFor(t, func() bool {
		_, finalizes, aborts := store.lastSink().snapshot()
		return aborts == 1 && finalizes == 0
	})

	// Cancel is idempotent, and cancelling the unknown succeeds.
	if err := e.CancelUpload(ctx, sess.ID, "owner-1"); err != nil {
		t.Errorf("second CancelUpload: %v", err)
	}
	if err := e.CancelUpload(ctx, "never-existed", "owner-1"); err != nil {
		t.Errorf("CancelUpload(unknown): %v", err)
	}

	// Appends to a cancelled upload look like appends to a missing one.
	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 10-19/100", "bbbbbbbbbb"); !errors.Is(err, uperr.ErrUploadNotFound) {
		t.Errorf("AppendChunk after cancel = %v, want ErrUploadNotFound", err)
	}
}

func TestEngineStatusReportsResumePoint(t *testing.T) {
	e, _, _ := newTestEngine(t)

	sess, err := e.InitUpload(context.Background(), "owner-1", 64, blobstore.ObjectMetadata{Name: "resume.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	snap, err := e.Status(sess.ID, "owner-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.ReceivedSize != 0 || snap.TotalSize != 64 || snap.Status != StatusPending {
		t.Errorf("initial snapshot = %+v", snap)
	}

	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 0-31/64", strings.Repeat("x", 32)); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	snap, err = e.Status(sess.ID, "owner-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.ReceivedSize != 32 || snap.Status != StatusUploading {
		t.Errorf("snapshot after chunk = %+v, want 32/uploading", snap)
	}
}

func TestEngineConcurrentAppendsSerialize(t *testing.T) {
	e, _, store := newTestEngine(t)

	sess, err := e.InitUpload(context.Background(), "owner-1", 8, blobstore.ObjectMetadata{Name: "race.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	// Two clients race to send the same first chunk. Exactly one wins;
	// the loser is rejected before its body is consumed.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := appendString(t, e, sess.ID, "owner-1", "bytes 0-3/8", "aaaa")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes, rejections int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, uperr.ErrOutOfOrderChunk):
			rejections++
		default:
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	if successes != 1 || rejections != 1 {
		t.Fatalf("successes = %d, rejections = %d, want 1 and 1", successes, rejections)
	}

	result, err := appendString(t, e, sess.ID, "owner-1", "bytes 4-7/8", "bbbb")
	if err != nil {
		t.Fatalf("final AppendChunk: %v", err)
	}
	if !result.Complete {
		t.Fatal("upload did not complete")
	}

	data, _, _ := store.lastSink().snapshot()
	if string(data) != "aaaabbbb" {
		t.Errorf("backend data = %q, want aaaabbbb", data)
	}
}

func TestEngineReapAndAppendRace(t *testing.T) {
	e, r, store := newTestEngine(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	e.now = func() time.Time { return now }

	sess, err := e.InitUpload(context.Background(), "owner-1", 100, blobstore.ObjectMetadata{Name: "reap.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	// A chunk arriving just before the reaper scans refreshes activity
	// and must keep the session alive.
	now = now.Add(29 * time.Minute)
	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 0-9/100", "aaaaaaaaaa"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if reaped := e.ReapIdle(30 * time.Minute); reaped != 0 {
		t.Fatalf("ReapIdle reaped an active session")
	}

	// Once truly idle, the session is reaped and later appends see not-found.
	now = now.Add(31 * time.Minute)
	if reaped := e.ReapIdle(30 * time.Minute); reaped != 1 {
		t.Fatalf("ReapIdle = %d, want 1", reaped)
	}
	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 10-19/100", "bbbbbbbbbb"); !errors.Is(err, uperr.ErrUploadNotFound) {
		t.Errorf("AppendChunk after reap = %v, want ErrUploadNotFound", err)
	}

	waitFor(t, func() bool {
		_, finalizes, aborts := store.lastSink().snapshot()
		return aborts == 1 && finalizes == 0
	})
}

func TestEngineExactCompletionOnly(t *testing.T) {
	e, _, _ := newTestEngine(t)

	sess, err := e.InitUpload(context.Background(), "owner-1", 10, blobstore.ObjectMetadata{Name: "exact.bin"})
	if err != nil {
		t.Fatalf("InitUpload: %v", err)
	}

	// 9 of 10 bytes: not complete.
	result, err := appendString(t, e, sess.ID, "owner-1", "bytes 0-8/10", "aaaaaaaaa")
	if err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if result.Complete {
		t.Fatal("upload completed one byte early")
	}

	// A chunk that would run past the total is rejected at parse time.
	if _, err := appendString(t, e, sess.ID, "owner-1", "bytes 9-10/10", "bb"); !errors.Is(err, uperr.ErrRangeExceedsTotal) {
		t.Fatalf("overrunning chunk = %v, want ErrRangeExceedsTotal", err)
	}

	result, err = appendString(t, e, sess.ID, "owner-1", "bytes 9-9/10", "b")
	if err != nil {
		t.Fatalf("final AppendChunk: %v", err)
	}
	if !result.Complete || result.ReceivedSize != 10 {
		t.Errorf("result = %+v, want complete at 10", result)
	}
}
