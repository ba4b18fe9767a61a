package upload

import (
	"context"
	"sync"

	"github.com/driftdesk/driftdesk/internal/blobstore"
	uperr "github.com/driftdesk/driftdesk/internal/errors"
)

// StreamingSink decouples the pace of an inbound chunk stream from the pace
// of the underlying blob store writer without ever materializing the whole
// upload in memory. Bytes queue up to a high-water mark; past it, Write
// reports that the producer must pause until AwaitDrain resolves. A single
// consumer goroutine forwards queued bytes to the backend sink, so a slow
// backend can never be outrun by more than the configured buffer.
//
// A StreamingSink is owned by exactly one upload session. Write, AwaitDrain
// and End are called by at most one producer goroutine at a time; Abort may
// be called concurrently (by cancellation or the idle reaper).
type StreamingSink struct {
	highWater int64
	sink      blobstore.WriteSink
	ctx       context.Context

	mu          sync.Mutex
	queue       [][]byte
	buffered    int64
	ending      bool
	termErr     error
	handle      blobstore.ObjectHandle
	drainCh     chan struct{}
	drainClosed bool
	wakeCh      chan struct{}
	doneCh      chan struct{}
}

// NewStreamingSink wraps a blob store write sink in a bounded streaming
// pipeline and starts its consumer goroutine. The context governs the
// pipeline's backend writes and must outlive the request that opened it.
func NewStreamingSink(ctx context.Context, sink blobstore.WriteSink, highWater int) *StreamingSink {
	s := &StreamingSink{
		highWater: int64(highWater),
		sink:      sink,
		ctx:       ctx,
		drainCh:   make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Write queues bytes for forwarding to the backend sink. The sink takes
// ownership of p. The returned bool reports whether the caller may continue
// writing immediately; false means the caller must AwaitDrain before the
// next Write. Returns ErrSinkClosed (or the terminal error) once the
// pipeline has ended or failed.
func (s *StreamingSink) Write(p []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.termErr != nil {
		return false, s.termErr
	}
	if s.ending {
		return false, uperr.ErrSinkClosed
	}

	s.queue = append(s.queue, p)
	s.buffered += int64(len(p))
	if s.buffered >= s.highWater && s.drainClosed {
		s.drainCh = make(chan struct{})
		s.drainClosed = false
	}
	s.wake()

	return s.buffered < s.highWater, nil
}

// AwaitDrain blocks until buffered bytes have been flushed below the
// high-water mark. The producer must call it whenever Write returned false.
// It returns early with the terminal error if the pipeline fails, or with
// the context error if ctx is cancelled.
func (s *StreamingSink) AwaitDrain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.termErr != nil {
			err := s.termErr
			s.mu.Unlock()
			return err
		}
		if s.buffered < s.highWater {
			s.mu.Unlock()
			return nil
		}
		ch := s.drainCh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// End signals that no more bytes will be written. It blocks until every
// queued byte has been durably accepted by the backend and the backend sink
// finalized, then returns the permanent object handle. Once End has been
// called the outcome belongs to the consumer goroutine: the wait does not
// detach on context cancellation, and Abort becomes a no-op, so the handle
// End returns always reflects what the backend actually committed.
func (s *StreamingSink) End(ctx context.Context) (blobstore.ObjectHandle, error) {
	s.mu.Lock()
	if s.termErr != nil {
		err := s.termErr
		s.mu.Unlock()
		return blobstore.ObjectHandle{}, err
	}
	if s.ending {
		s.mu.Unlock()
		return blobstore.ObjectHandle{}, uperr.ErrSinkClosed
	}
	s.ending = true
	s.wake()
	s.mu.Unlock()

	// The finalize decision is already in flight; detaching here would
	// leave a committed object the caller never learns about.
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.termErr != nil {
		return blobstore.ObjectHandle{}, s.termErr
	}
	return s.handle, nil
}

// Abort destroys the pipeline: queued bytes are dropped, the backend sink is
// aborted, and any pending AwaitDrain caller is released with the failure.
// Idempotent and safe to call concurrently with the producer, but a no-op
// once End has been called: by then every byte is queued and the commit
// decision belongs to the consumer.
func (s *StreamingSink) Abort(reason error) {
	if reason == nil {
		reason = uperr.ErrSinkClosed
	}

	s.mu.Lock()
	if s.termErr != nil || s.ending {
		s.mu.Unlock()
		return
	}
	s.termErr = reason
	s.queue = nil
	s.buffered = 0
	s.releaseDrain()
	s.wake()
	s.mu.Unlock()
}

// Buffered returns the number of bytes currently queued ahead of the
// backend writer. Exposed for backpressure tests.
func (s *StreamingSink) Buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// wake nudges the consumer goroutine. Callers must hold s.mu.
func (s *StreamingSink) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// releaseDrain unblocks all current AwaitDrain waiters. Callers must hold s.mu.
func (s *StreamingSink) releaseDrain() {
	if !s.drainClosed {
		close(s.drainCh)
		s.drainClosed = true
	}
}

// run is the consumer goroutine: it forwards queued bytes to the backend
// sink one buffer at a time, finalizes on End, and aborts the backend on
// failure. It is the only goroutine that touches the backend sink, which
// keeps the exactly-once release guarantee trivial.
func (s *StreamingSink) run() {
	defer close(s.doneCh)

	for {
		s.mu.Lock()
		if s.termErr != nil {
			s.queue = nil
			s.buffered = 0
			s.releaseDrain()
			s.mu.Unlock()
			s.sink.Abort(s.ctx)
			return
		}
		if len(s.queue) == 0 {
			if s.ending {
				s.mu.Unlock()
				handle, err := s.sink.Finalize(s.ctx)
				s.mu.Lock()
				if err != nil {
					s.termErr = err
				} else {
					s.handle = handle
				}
				s.releaseDrain()
				s.mu.Unlock()
				if err != nil {
					s.sink.Abort(s.ctx)
				}
				return
			}
			s.mu.Unlock()
			<-s.wakeCh
			continue
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		_, werr := s.sink.Write(s.ctx, p)

		s.mu.Lock()
		if werr != nil {
			s.termErr = werr
			s.queue = nil
			s.buffered = 0
			s.releaseDrain()
			s.mu.Unlock()
			s.sink.Abort(s.ctx)
			return
		}
		s.buffered -= int64(len(p))
		if s.buffered < s.highWater {
			s.releaseDrain()
		}
		s.mu.Unlock()
	}
}
