package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Store with an in-memory map. Used in tests and
// for throwaway deployments; nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]FileRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]FileRecord),
	}
}

func (s *MemoryStore) CreateFile(ctx context.Context, rec *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[rec.ID]; exists {
		return fmt.Errorf("file record already exists: %s", rec.ID)
	}
	s.files[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[id]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *MemoryStore) UpdateFile(ctx context.Context, rec *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[rec.ID]; !ok {
		return fmt.Errorf("file record not found: %s", rec.ID)
	}
	s.files[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) DeleteFile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	return nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, ownerID string) ([]FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []FileRecord
	for _, rec := range s.files {
		if rec.OwnerID == ownerID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
