package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/driftdesk/driftdesk/internal/blobstore"
	uperr "github.com/driftdesk/driftdesk/internal/errors"
	"github.com/driftdesk/driftdesk/internal/metrics"
)

// EngineConfig tunes the upload pipeline. Zero values fall back to the
// package defaults below.
type EngineConfig struct {
	// HighWaterMark bounds the bytes buffered between the request reader
	// and the blob store writer, per session.
	HighWaterMark int
	// ReadChunkSize is the size of individual reads off the request body.
	ReadChunkSize int
	// MaxUploadSize rejects declared total sizes above this many bytes.
	// Zero means unlimited.
	MaxUploadSize int64
}

const (
	defaultHighWaterMark = 256 * 1024
	defaultReadChunkSize = 64 * 1024
)

// Engine orchestrates resumable uploads: it opens blob store sinks, feeds
// them through bounded streaming pipelines, and enforces the strict
// contiguous-ordering protocol on incoming chunks.
type Engine struct {
	registry *Registry
	store    blobstore.Store
	cfg      EngineConfig

	now func() time.Time
}

func NewEngine(registry *Registry, store blobstore.Store, cfg EngineConfig) *Engine {
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = defaultHighWaterMark
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = defaultReadChunkSize
	}
	if cfg.ReadChunkSize > cfg.HighWaterMark {
		cfg.ReadChunkSize = cfg.HighWaterMark
	}
	return &Engine{
		registry: registry,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
	}
}

// ChunkResult reports the outcome of an accepted chunk.
type ChunkResult struct {
	// Complete is true once the final byte has been accepted and the
	// object durably finalized.
	Complete bool
	// ReceivedSize is the contiguous byte count accepted so far.
	ReceivedSize int64
	// TotalSize is the session's declared total size.
	TotalSize int64
	// Handle identifies the finalized object. Only set when Complete.
	Handle blobstore.ObjectHandle
}

// InitUpload opens a blob store sink for a new upload and registers a
// session for it. The sink's pipeline deliberately outlives the initiating
// request: chunks arrive on later requests, so the pipeline context is
// detached from this one's cancellation.
func (e *Engine) InitUpload(ctx context.Context, ownerID string, totalSize int64, meta blobstore.ObjectMetadata) (*Session, error) {
	if totalSize <= 0 {
		return nil, uperr.ErrInvalidSize
	}
	if e.cfg.MaxUploadSize > 0 && totalSize > e.cfg.MaxUploadSize {
		return nil, uperr.ErrEntityTooLarge
	}

	backendSink, err := e.store.OpenSink(ctx, meta)
	if err != nil {
		slog.Error("failed to open blob store sink", "error", err)
		return nil, uperr.ErrInternalError.WithMessage("failed to open storage sink")
	}

	sink := NewStreamingSink(context.WithoutCancel(ctx), backendSink, e.cfg.HighWaterMark)
	sess, err := e.registry.Create(ownerID, meta.Name, totalSize, sink)
	if err != nil {
		sink.Abort(err)
		return nil, err
	}

	metrics.UploadSessionsActive.Inc()
	slog.Info("upload session initiated",
		"session_id", sess.ID,
		"owner_id", ownerID,
		"total_size", totalSize,
		"name", meta.Name)
	return sess, nil
}

// AppendChunk validates and streams one chunk into the session's sink.
// The chunk must start exactly at the session's received size; anything
// else is rejected without consuming the body and without disturbing the
// session. A short or failed body read poisons the session, since bytes
// may already have reached the backend.
func (e *Engine) AppendChunk(ctx context.Context, sessionID, ownerID, rangeHeader string, body io.Reader, declaredLen int64) (ChunkResult, error) {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return ChunkResult{}, err
	}
	if sess.OwnerID != ownerID {
		return ChunkResult{}, uperr.ErrForbidden
	}

	if declaredLen < 0 {
		return ChunkResult{}, uperr.ErrMissingContentLength
	}
	if declaredLen == 0 {
		return ChunkResult{}, uperr.ErrInvalidContentLength
	}

	cr, err := ParseChunkRange(rangeHeader)
	if err != nil {
		return ChunkResult{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status.Terminal() {
		return ChunkResult{}, uperr.ErrUploadNotFound
	}
	if cr.Total != sess.TotalSize {
		return ChunkResult{}, uperr.ErrTotalMismatch
	}
	if cr.Start != sess.receivedSize {
		metrics.UploadChunksTotal.WithLabelValues("out_of_order").Inc()
		return ChunkResult{}, uperr.ErrOutOfOrderChunk.WithMessage(
			"chunk starts at %d but upload has %d bytes", cr.Start, sess.receivedSize)
	}
	if declaredLen != cr.Length() {
		return ChunkResult{}, uperr.ErrInvalidContentLength.WithMessage(
			"content length %d does not match range length %d", declaredLen, cr.Length())
	}

	sess.status = StatusUploading
	sess.touch(e.now())

	written, err := e.streamBody(ctx, sess, body, declaredLen)
	if err != nil {
		return ChunkResult{}, e.failLocked(sess, "chunk_write_failed", err)
	}
	if written != declaredLen {
		metrics.UploadChunksTotal.WithLabelValues("incomplete").Inc()
		return ChunkResult{}, e.failLocked(sess, "chunk_truncated",
			uperr.ErrIncompleteChunk.WithMessage("read %d of %d chunk bytes", written, declaredLen))
	}

	sess.receivedSize += written
	sess.touch(e.now())
	metrics.UploadChunksTotal.WithLabelValues("accepted").Inc()
	metrics.UploadBytesReceivedTotal.Add(float64(written))

	if sess.receivedSize < sess.TotalSize {
		return ChunkResult{ReceivedSize: sess.receivedSize, TotalSize: sess.TotalSize}, nil
	}

	handle, err := sess.sink.End(ctx)
	if err != nil {
		return ChunkResult{}, e.failLocked(sess, "finalize_failed", err)
	}

	sess.status = StatusCompleted
	e.finishLocked(sess, "completed")
	slog.Info("upload completed",
		"session_id", sess.ID,
		"owner_id", sess.OwnerID,
		"size", sess.receivedSize,
		"blob_key", handle.Key)
	return ChunkResult{Complete: true, ReceivedSize: sess.receivedSize, TotalSize: sess.TotalSize, Handle: handle}, nil
}

// streamBody copies the chunk body into the session sink in bounded reads,
// pausing on backpressure. It stops at declaredLen so a client sending
// extra bytes cannot smuggle them past the range check.
func (e *Engine) streamBody(ctx context.Context, sess *Session, body io.Reader, declaredLen int64) (int64, error) {
	limited := io.LimitReader(body, declaredLen)
	buf := make([]byte, e.cfg.ReadChunkSize)
	var written int64

	for {
		n, rerr := limited.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			ok, werr := sess.sink.Write(p)
			if werr != nil {
				return written, werr
			}
			written += int64(n)
			if !ok {
				if derr := sess.sink.AwaitDrain(ctx); derr != nil {
					return written, derr
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// Status returns the session's progress for resume queries.
func (e *Engine) Status(sessionID, ownerID string) (Snapshot, error) {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if sess.OwnerID != ownerID {
		return Snapshot{}, uperr.ErrForbidden
	}
	return sess.Snapshot(), nil
}

// CancelUpload aborts a session and discards everything written so far.
// Cancelling an unknown or already finished upload succeeds; the caller's
// goal, the upload not existing, is already met.
func (e *Engine) CancelUpload(ctx context.Context, sessionID, ownerID string) error {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		if errors.Is(err, uperr.ErrUploadNotFound) {
			return nil
		}
		return err
	}
	if sess.OwnerID != ownerID {
		return uperr.ErrForbidden
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status.Terminal() {
		e.registry.Remove(sess.ID)
		return nil
	}

	sess.status = StatusCancelled
	sess.sink.Abort(uperr.ErrUploadNotFound.WithMessage("upload cancelled"))
	e.finishLocked(sess, "cancelled")
	slog.Info("upload cancelled",
		"session_id", sess.ID,
		"owner_id", sess.OwnerID,
		"received_bytes", sess.receivedSize)
	return nil
}

// ReapIdle fails sessions with no activity for maxIdle and returns how
// many were reaped.
func (e *Engine) ReapIdle(maxIdle time.Duration) int {
	reaped := e.registry.ReapIdle(maxIdle)
	if reaped > 0 {
		metrics.UploadSessionsActive.Sub(float64(reaped))
		metrics.UploadsFinishedTotal.WithLabelValues("reaped").Add(float64(reaped))
	}
	return reaped
}

// RunReaper periodically reaps idle sessions until ctx is cancelled.
func (e *Engine) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReapIdle(maxIdle)
		}
	}
}

// failLocked marks the session failed, aborts its sink, removes it from
// the registry and returns the error to surface to the caller. Callers
// must hold sess.mu.
func (e *Engine) failLocked(sess *Session, cause string, err error) error {
	sess.status = StatusFailed
	sess.sink.Abort(err)
	e.finishLocked(sess, "failed")
	slog.Error("upload failed",
		"session_id", sess.ID,
		"owner_id", sess.OwnerID,
		"cause", cause,
		"error", err)

	var ue *uperr.UploadError
	if errors.As(err, &ue) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return uperr.ErrInternalError.WithMessage("upload write failed")
}

// finishLocked removes a terminal session and records its outcome.
// Callers must hold sess.mu.
func (e *Engine) finishLocked(sess *Session, outcome string) {
	e.registry.Remove(sess.ID)
	metrics.UploadSessionsActive.Dec()
	metrics.UploadsFinishedTotal.WithLabelValues(outcome).Inc()
	metrics.UploadDuration.Observe(e.now().Sub(sess.CreatedAt).Seconds())
}
