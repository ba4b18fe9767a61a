package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates a SQLiteStore backed by a temporary database file.
// The database is automatically cleaned up when the test finishes.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// forEachBackend runs a subtest against every catalog backend, so both
// implementations are held to the same contract.
func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newTestStore(t))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

// seedFile creates an uploading-status file record and returns it.
func seedFile(t *testing.T, store Store, id, ownerID string, createdAt time.Time) *FileRecord {
	t.Helper()
	rec := &FileRecord{
		ID:          id,
		OwnerID:     ownerID,
		Name:        id + ".bin",
		ContentType: "application/octet-stream",
		Size:        1024,
		Status:      StatusUploading,
		CreatedAt:   createdAt,
	}
	if err := store.CreateFile(context.Background(), rec); err != nil {
		t.Fatalf("CreateFile(%q) failed: %v", id, err)
	}
	return rec
}

func TestFileCRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		rec := &FileRecord{
			ID:          "file1",
			OwnerID:     "owner1",
			Name:        "report.pdf",
			ContentType: "application/pdf",
			Size:        4096,
			Status:      StatusUploading,
			CreatedAt:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		}
		if err := store.CreateFile(ctx, rec); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}

		got, err := store.GetFile(ctx, "file1")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got == nil {
			t.Fatal("GetFile returned nil")
		}
		if got.OwnerID != "owner1" {
			t.Errorf("OwnerID = %q, want %q", got.OwnerID, "owner1")
		}
		if got.Name != "report.pdf" {
			t.Errorf("Name = %q, want %q", got.Name, "report.pdf")
		}
		if got.ContentType != "application/pdf" {
			t.Errorf("ContentType = %q, want %q", got.ContentType, "application/pdf")
		}
		if got.Size != 4096 {
			t.Errorf("Size = %d, want 4096", got.Size)
		}
		if got.Status != StatusUploading {
			t.Errorf("Status = %q, want %q", got.Status, StatusUploading)
		}
		if !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
		}
		if !got.CompletedAt.IsZero() {
			t.Errorf("CompletedAt = %v, want zero", got.CompletedAt)
		}

		// Promote the record to completed.
		got.ETag = `"abc123"`
		got.BlobKey = "objects/ab/abc123"
		got.Status = StatusCompleted
		got.CompletedAt = time.Date(2026, 8, 30, 12, 5, 0, 0, time.UTC)
		if err := store.UpdateFile(ctx, got); err != nil {
			t.Fatalf("UpdateFile: %v", err)
		}

		updated, err := store.GetFile(ctx, "file1")
		if err != nil {
			t.Fatalf("GetFile after update: %v", err)
		}
		if updated.Status != StatusCompleted {
			t.Errorf("Status = %q, want %q", updated.Status, StatusCompleted)
		}
		if updated.ETag != `"abc123"` {
			t.Errorf("ETag = %q, want %q", updated.ETag, `"abc123"`)
		}
		if updated.BlobKey != "objects/ab/abc123" {
			t.Errorf("BlobKey = %q, want %q", updated.BlobKey, "objects/ab/abc123")
		}
		if !updated.CompletedAt.Equal(got.CompletedAt) {
			t.Errorf("CompletedAt = %v, want %v", updated.CompletedAt, got.CompletedAt)
		}

		// Delete it.
		if err := store.DeleteFile(ctx, "file1"); err != nil {
			t.Fatalf("DeleteFile: %v", err)
		}
		gone, err := store.GetFile(ctx, "file1")
		if err != nil {
			t.Fatalf("GetFile after delete: %v", err)
		}
		if gone != nil {
			t.Errorf("GetFile after delete = %+v, want nil", gone)
		}
	})
}

func TestGetFileAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		got, err := store.GetFile(context.Background(), "nonexistent")
		if err != nil {
			t.Fatalf("GetFile (absent) should not error, got: %v", err)
		}
		if got != nil {
			t.Errorf("GetFile (absent) = %+v, want nil", got)
		}
	})
}

func TestCreateFileDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		now := time.Now().UTC()
		seedFile(t, store, "dup", "owner1", now)

		rec := &FileRecord{
			ID:        "dup",
			OwnerID:   "owner1",
			Name:      "again.bin",
			Status:    StatusUploading,
			CreatedAt: now,
		}
		if err := store.CreateFile(context.Background(), rec); err == nil {
			t.Error("CreateFile with duplicate ID should fail")
		}
	})
}

func TestUpdateFileNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		rec := &FileRecord{ID: "ghost", Status: StatusCompleted}
		if err := store.UpdateFile(context.Background(), rec); err == nil {
			t.Error("UpdateFile on missing record should fail")
		}
	})
}

func TestDeleteFileIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		if err := store.DeleteFile(context.Background(), "nonexistent"); err != nil {
			t.Errorf("DeleteFile (absent) should not error, got: %v", err)
		}
	})
}

func TestListFiles(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

		// Three files for owner1 at distinct times, one for owner2.
		for i := 0; i < 3; i++ {
			seedFile(t, store, fmt.Sprintf("file%d", i), "owner1", base.Add(time.Duration(i)*time.Minute))
		}
		seedFile(t, store, "other", "owner2", base)

		records, err := store.ListFiles(ctx, "owner1")
		if err != nil {
			t.Fatalf("ListFiles: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("len(records) = %d, want 3", len(records))
		}
		// Newest first.
		wantOrder := []string{"file2", "file1", "file0"}
		for i, want := range wantOrder {
			if records[i].ID != want {
				t.Errorf("records[%d].ID = %q, want %q", i, records[i].ID, want)
			}
		}

		// Owner isolation.
		for _, rec := range records {
			if rec.OwnerID != "owner1" {
				t.Errorf("record %q has owner %q, want owner1", rec.ID, rec.OwnerID)
			}
		}

		// Unknown owner gets an empty list, not an error.
		empty, err := store.ListFiles(ctx, "nobody")
		if err != nil {
			t.Fatalf("ListFiles (unknown owner): %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("len(records) for unknown owner = %d, want 0", len(empty))
		}
	})
}

func TestSQLiteReopenPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	seedFile(t, store, "durable", "owner1", time.Now().UTC())
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore (reopen): %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetFile(context.Background(), "durable")
	if err != nil {
		t.Fatalf("GetFile after reopen: %v", err)
	}
	if got == nil {
		t.Fatal("record should survive a database reopen")
	}
}
