package blobstore

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/driftdesk/driftdesk/internal/uid"
)

// LocalStore implements the Store interface using the local filesystem as a
// content-addressed object store. Bytes stream into a temp file and are
// renamed into place under their SHA-256 digest on finalize, so identical
// payloads share one object file.
type LocalStore struct {
	// RootDir is the base directory under which all object data is stored.
	RootDir string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalStore(rootDir string) (*LocalStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	// Create the .tmp directory for atomic writes.
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalStore{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. This is called on
// startup as part of crash-only recovery: any temp files left behind are
// sinks of uploads that were in flight when a previous process died.
func (s *LocalStore) CleanTempFiles() error {
	tmpDir := filepath.Join(s.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// objectPath returns the filesystem path for a content hash, sharded by the
// first two hex characters to keep directory fanout bounded.
func (s *LocalStore) objectPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(s.RootDir, "objects", key)
	}
	return filepath.Join(s.RootDir, "objects", key[:2], key)
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (s *LocalStore) tempPath() string {
	return filepath.Join(s.RootDir, ".tmp", "tmp-"+uid.New())
}

// OpenSink creates a temp file and returns a sink that hashes bytes while
// writing them. Finalize fsyncs and renames the temp file to its
// content-addressed path.
func (s *LocalStore) OpenSink(ctx context.Context, meta ObjectMetadata) (WriteSink, error) {
	tmpPath := s.tempPath()
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &localSink{
		store:   s,
		file:    f,
		tmpPath: tmpPath,
		sha:     sha256.New(),
		md5:     md5.New(),
	}, nil
}

// localSink streams bytes into a temp file while computing SHA-256 (the
// content address) and MD5 (the ETag).
type localSink struct {
	store   *LocalStore
	file    *os.File
	tmpPath string
	sha     hash.Hash
	md5     hash.Hash
	size    int64
	done    bool
}

func (k *localSink) Write(ctx context.Context, p []byte) (int, error) {
	if k.done {
		return 0, fmt.Errorf("write to finalized or aborted sink")
	}
	n, err := k.file.Write(p)
	if n > 0 {
		k.sha.Write(p[:n])
		k.md5.Write(p[:n])
		k.size += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("writing object data: %w", err)
	}
	return n, nil
}

func (k *localSink) Finalize(ctx context.Context) (ObjectHandle, error) {
	if k.done {
		return ObjectHandle{}, fmt.Errorf("sink already released")
	}
	k.done = true

	// Fsync before rename to guarantee durability.
	if err := k.file.Sync(); err != nil {
		k.file.Close()
		os.Remove(k.tmpPath)
		return ObjectHandle{}, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := k.file.Close(); err != nil {
		os.Remove(k.tmpPath)
		return ObjectHandle{}, fmt.Errorf("closing temp file: %w", err)
	}

	key := hex.EncodeToString(k.sha.Sum(nil))
	objPath := k.store.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		os.Remove(k.tmpPath)
		return ObjectHandle{}, fmt.Errorf("creating object directory: %w", err)
	}

	// Atomic rename: temp -> content-addressed path. Renaming over an
	// existing identical object is harmless.
	if err := os.Rename(k.tmpPath, objPath); err != nil {
		os.Remove(k.tmpPath)
		return ObjectHandle{}, fmt.Errorf("renaming temp file to final path: %w", err)
	}

	etag := fmt.Sprintf(`"%x"`, k.md5.Sum(nil))
	return ObjectHandle{Key: key, Size: k.size, ETag: etag}, nil
}

func (k *localSink) Abort(ctx context.Context) error {
	if k.done {
		return nil
	}
	k.done = true
	k.file.Close()
	if err := os.Remove(k.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// OpenReadStream opens the object file for reading. The caller is
// responsible for closing the returned ReadCloser.
func (s *LocalStore) OpenReadStream(ctx context.Context, handle ObjectHandle) (io.ReadCloser, int64, error) {
	objPath := s.objectPath(handle.Key)

	f, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("object not found: %s", handle.Key)
		}
		return nil, 0, fmt.Errorf("opening object file %q: %w", handle.Key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat object file %q: %w", handle.Key, err)
	}

	return f, info.Size(), nil
}

// Delete removes the object file from the local filesystem.
// Idempotent: deleting a non-existent file is not an error.
func (s *LocalStore) Delete(ctx context.Context, handle ObjectHandle) error {
	objPath := s.objectPath(handle.Key)

	err := os.Remove(objPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing object file %q: %w", handle.Key, err)
	}

	// Remove the shard directory if it is now empty.
	os.Remove(filepath.Dir(objPath))

	return nil
}

// HealthCheck verifies that the storage root directory is accessible.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(s.RootDir)
	return err
}
