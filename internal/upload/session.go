package upload

import (
	"sync"
	"time"
)

// Status is the lifecycle state of an upload session. Transitions are
// monotonic: once a session reaches a terminal state it never leaves it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session tracks the progress of one resumable upload. receivedSize is the
// single source of truth for how many contiguous bytes have been accepted;
// the next chunk must start exactly there.
//
// All mutable fields are guarded by mu. Append, cancel and reap paths take
// mu for their whole critical section, which serializes concurrent chunk
// requests for the same upload.
type Session struct {
	ID        string
	OwnerID   string
	TotalSize int64
	Name      string
	CreatedAt time.Time

	mu             sync.Mutex
	status         Status
	receivedSize   int64
	lastActivityAt time.Time
	sink           *StreamingSink
}

// Snapshot is a consistent read of a session's mutable progress fields.
type Snapshot struct {
	ID           string
	OwnerID      string
	Status       Status
	ReceivedSize int64
	TotalSize    int64
}

// Snapshot returns the session's current progress under its lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Status:       s.status,
		ReceivedSize: s.receivedSize,
		TotalSize:    s.TotalSize,
	}
}

// touch records activity, deferring the idle reaper. Callers must hold s.mu.
func (s *Session) touch(now time.Time) {
	s.lastActivityAt = now
}
