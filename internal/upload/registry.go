package upload

import (
	"log/slog"
	"sync"
	"time"

	uperr "github.com/driftdesk/driftdesk/internal/errors"
	"github.com/driftdesk/driftdesk/internal/uid"
)

// Registry is the in-memory index of live upload sessions. Sessions exist
// only here while in flight; terminal sessions are removed and their
// durable outcome, if any, lives in the catalog.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// now is swappable so idle reaping can be tested with a fake clock.
	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create registers a new pending session bound to the given sink and
// returns it. Session IDs are random, so a collision means the ID source
// is broken rather than a caller mistake.
func (r *Registry) Create(ownerID, name string, totalSize int64, sink *StreamingSink) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uid.New()
	if _, exists := r.sessions[id]; exists {
		return nil, uperr.ErrInternalError.WithMessage("upload session id collision")
	}

	now := r.now()
	sess := &Session{
		ID:             id,
		OwnerID:        ownerID,
		TotalSize:      totalSize,
		Name:           name,
		CreatedAt:      now,
		status:         StatusPending,
		lastActivityAt: now,
		sink:           sink,
	}
	r.sessions[id] = sess
	return sess, nil
}

// Get returns the live session with the given ID, or ErrUploadNotFound.
// Terminal sessions are indistinguishable from never-existed ones.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, uperr.ErrUploadNotFound
	}
	return sess, nil
}

// Remove drops a session from the index. Removing an absent ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ReapIdle fails and removes every session whose last activity is older
// than maxIdle, aborting its sink so backend resources are released. A
// session that receives a chunk between the scan and the reap keeps its
// fresh activity timestamp and survives; the recheck under the session
// lock makes the race safe either way.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	now := r.now()
	cutoff := now.Add(-maxIdle)

	// Lock ordering: session locks are never taken while the registry
	// lock is held. A finishing chunk holds its session lock while it
	// removes itself from the registry, so the scan only snapshots
	// pointers here; idleness is judged under the session lock below.
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		candidates = append(candidates, sess)
	}
	r.mu.RUnlock()

	reaped := 0
	for _, sess := range candidates {
		sess.mu.Lock()
		if sess.status.Terminal() || !sess.lastActivityAt.Before(cutoff) {
			sess.mu.Unlock()
			continue
		}
		sess.status = StatusFailed
		received := sess.receivedSize
		sess.sink.Abort(uperr.ErrUploadNotFound.WithMessage("upload session expired"))
		sess.mu.Unlock()

		r.Remove(sess.ID)
		reaped++
		slog.Info("reaped idle upload session",
			"session_id", sess.ID,
			"owner_id", sess.OwnerID,
			"received_bytes", received)
	}
	return reaped
}
