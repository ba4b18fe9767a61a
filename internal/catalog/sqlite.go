package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements Store using SQLite. It provides durable,
// ACID-compliant metadata storage suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at the given DSN and
// initializes the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// Idempotent via IF NOT EXISTS.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			name         TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			size         INTEGER NOT NULL,
			etag         TEXT NOT NULL DEFAULT '',
			blob_key     TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			completed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id, created_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateFile inserts a new file record.
func (s *SQLiteStore) CreateFile(ctx context.Context, rec *FileRecord) error {
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files
			(id, owner_id, name, content_type, size, etag, blob_key, status, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.OwnerID,
		rec.Name,
		contentType,
		rec.Size,
		rec.ETag,
		rec.BlobKey,
		rec.Status,
		rec.CreatedAt.UTC().Format(timeFormat),
		nullTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("creating file record %q: %w", rec.ID, err)
	}
	return nil
}

// GetFile retrieves a file record by ID. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, content_type, size, etag, blob_key, status, created_at, completed_at
		 FROM files WHERE id = ?`,
		id,
	)

	rec, err := scanFileRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting file record %q: %w", id, err)
	}
	return rec, nil
}

// UpdateFile replaces the mutable fields of an existing record.
func (s *SQLiteStore) UpdateFile(ctx context.Context, rec *FileRecord) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE files
		 SET size = ?, etag = ?, blob_key = ?, status = ?, completed_at = ?
		 WHERE id = ?`,
		rec.Size,
		rec.ETag,
		rec.BlobKey,
		rec.Status,
		nullTime(rec.CompletedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating file record %q: %w", rec.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("file record not found: %s", rec.ID)
	}
	return nil
}

// DeleteFile removes a file record. Deleting an absent ID is a no-op.
func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("deleting file record %q: %w", id, err)
	}
	return nil
}

// ListFiles returns the records owned by the given owner, newest first.
func (s *SQLiteStore) ListFiles(ctx context.Context, ownerID string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, content_type, size, etag, blob_key, status, created_at, completed_at
		 FROM files WHERE owner_id = ?
		 ORDER BY created_at DESC, id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		rec, err := scanFileRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return records, nil
}

// nullTime converts a time to sql.NullString. Zero times become NULL.
func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

// scanFileRow scans one file row via the given Scan function, which lets
// it serve both *sql.Row and *sql.Rows.
func scanFileRow(scan func(dest ...any) error) (*FileRecord, error) {
	var rec FileRecord
	var createdAtStr string
	var completedAt sql.NullString

	err := scan(
		&rec.ID, &rec.OwnerID, &rec.Name, &rec.ContentType,
		&rec.Size, &rec.ETag, &rec.BlobKey, &rec.Status,
		&createdAtStr, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	if completedAt.Valid {
		rec.CompletedAt, _ = time.Parse(timeFormat, completedAt.String)
	}
	return &rec, nil
}

var _ Store = (*SQLiteStore)(nil)
