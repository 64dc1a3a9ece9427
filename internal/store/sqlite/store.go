// Package sqlite provides a SQLite-based store.Store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"distfs/internal/chunkmodel"
	"distfs/internal/store"
)

const timeFormat = time.RFC3339Nano

// Store is a SQLite-based store.Store implementation.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// NewStore opens a SQLite database at path, applies pragmas, and runs
// migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)
	db.SetConnMaxLifetime(300 * time.Second)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeFormat, s) }

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func scanNullTime(ns *string) (*time.Time, error) {
	if ns == nil {
		return nil, nil
	}
	t, err := parseTime(*ns)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateUpload inserts a File row and its Chunk rows in a single transaction.
func (s *Store) CreateUpload(ctx context.Context, file chunkmodel.File, chunks []chunkmodel.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create upload %q: %w", file.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (id, owner_id, name, mime, size, chunk_count, digest, version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, file.ID, file.OwnerID, file.Name, file.MIME, file.Size, file.ChunkCount,
		string(file.Digest), file.Version, string(file.Status), formatTime(file.CreatedAt), formatTime(file.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert file %q: %w", file.ID, err)
	}

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, file_id, chunk_index, length, digest, status)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.ID, c.FileID, c.Index, c.Length, string(c.Digest), string(c.Status))
		if err != nil {
			return fmt.Errorf("insert chunk %q: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) MarkChunkStored(ctx context.Context, chunkID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET status = ? WHERE id = ?", string(chunkmodel.ChunkStored), chunkID)
	if err != nil {
		return fmt.Errorf("mark chunk %q stored: %w", chunkID, err)
	}
	return nil
}

func (s *Store) MarkChunkFailed(ctx context.Context, chunkID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark chunk %q failed: %w", chunkID, err)
	}
	defer tx.Rollback()

	var fileID uuid.UUID
	if err := tx.QueryRowContext(ctx, "SELECT file_id FROM chunks WHERE id = ?", chunkID).Scan(&fileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("lookup chunk %q: %w", chunkID, err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE chunks SET status = ? WHERE id = ?",
		string(chunkmodel.ChunkFailed), chunkID); err != nil {
		return fmt.Errorf("mark chunk %q failed: %w", chunkID, err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE files SET status = ?, updated_at = ? WHERE id = ?",
		string(chunkmodel.FileFailed), formatTime(time.Now()), fileID); err != nil {
		return fmt.Errorf("mark file %q failed: %w", fileID, err)
	}

	return tx.Commit()
}

// ApplyReplication records acked replicas idempotently and transitions the
// chunk to stored or failed depending on whether quorum was met.
func (s *Store) ApplyReplication(ctx context.Context, chunkID uuid.UUID, ackedNodes []string, quorum int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply replication %q: %w", chunkID, err)
	}
	defer tx.Rollback()

	for _, node := range ackedNodes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO replicas (id, chunk_id, storage_node_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(chunk_id, storage_node_id) DO NOTHING
		`, uuid.New(), chunkID, node, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("insert replica for chunk %q on %q: %w", chunkID, node, err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT count(*) FROM replicas WHERE chunk_id = ?", chunkID).Scan(&count); err != nil {
		return fmt.Errorf("count replicas for chunk %q: %w", chunkID, err)
	}

	status := chunkmodel.ChunkFailed
	if count >= quorum {
		status = chunkmodel.ChunkStored
	}
	if _, err := tx.ExecContext(ctx, "UPDATE chunks SET status = ? WHERE id = ?",
		string(status), chunkID); err != nil {
		return fmt.Errorf("update chunk %q status: %w", chunkID, err)
	}

	if status == chunkmodel.ChunkFailed {
		var fileID uuid.UUID
		if err := tx.QueryRowContext(ctx, "SELECT file_id FROM chunks WHERE id = ?", chunkID).Scan(&fileID); err != nil {
			return fmt.Errorf("lookup chunk %q: %w", chunkID, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE files SET status = ?, updated_at = ? WHERE id = ?",
			string(chunkmodel.FileFailed), formatTime(time.Now()), fileID); err != nil {
			return fmt.Errorf("mark file %q failed: %w", fileID, err)
		}
	}

	return tx.Commit()
}

// FinalizeUpload transitions a File out of uploading based on its chunks'
// final statuses. No-op if the file already left uploading.
func (s *Store) FinalizeUpload(ctx context.Context, fileID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize upload %q: %w", fileID, err)
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, "SELECT status FROM files WHERE id = ?", fileID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("lookup file %q: %w", fileID, err)
	}
	if chunkmodel.FileStatus(status) != chunkmodel.FileUploading {
		return nil
	}

	rows, err := tx.QueryContext(ctx, "SELECT status FROM chunks WHERE file_id = ?", fileID)
	if err != nil {
		return fmt.Errorf("list chunks for file %q: %w", fileID, err)
	}
	allStored := true
	anyFailed := false
	for rows.Next() {
		var cs string
		if err := rows.Scan(&cs); err != nil {
			rows.Close()
			return fmt.Errorf("scan chunk status: %w", err)
		}
		switch chunkmodel.ChunkStatus(cs) {
		case chunkmodel.ChunkFailed:
			anyFailed = true
			allStored = false
		case chunkmodel.ChunkStored:
		default:
			allStored = false
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	final := chunkmodel.FileFailed
	if allStored {
		final = chunkmodel.FileCompleted
	} else if !anyFailed {
		// Still chunks pending; nothing to finalize yet.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, "UPDATE files SET status = ?, updated_at = ? WHERE id = ?",
		string(final), formatTime(time.Now()), fileID); err != nil {
		return fmt.Errorf("finalize file %q: %w", fileID, err)
	}

	return tx.Commit()
}

func (s *Store) SetFileStatus(ctx context.Context, fileID uuid.UUID, status chunkmodel.FileStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE files SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(time.Now()), fileID)
	if err != nil {
		return fmt.Errorf("set file %q status: %w", fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set file %q status: %w", fileID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanFile(row interface{ Scan(...any) error }) (chunkmodel.File, error) {
	var f chunkmodel.File
	var digest, status, createdAt, updatedAt string
	err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.MIME, &f.Size, &f.ChunkCount,
		&digest, &f.Version, &status, &createdAt, &updatedAt)
	if err != nil {
		return chunkmodel.File{}, err
	}
	f.Digest = chunkmodel.Digest(digest)
	f.Status = chunkmodel.FileStatus(status)
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return chunkmodel.File{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return chunkmodel.File{}, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	return f, nil
}

const fileColumns = "id, owner_id, name, mime, size, chunk_count, digest, version, status, created_at, updated_at"

func (s *Store) GetFile(ctx context.Context, fileID uuid.UUID) (chunkmodel.File, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM files WHERE id = ?", fileID)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chunkmodel.File{}, store.ErrNotFound
	}
	if err != nil {
		return chunkmodel.File{}, fmt.Errorf("get file %q: %w", fileID, err)
	}
	return f, nil
}

func (s *Store) ListFilesByOwner(ctx context.Context, ownerID uuid.UUID) ([]chunkmodel.File, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE owner_id = ? ORDER BY updated_at DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("list files for owner %q: %w", ownerID, err)
	}
	defer rows.Close()

	var result []chunkmodel.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (s *Store) ListFilesByStatus(ctx context.Context, status chunkmodel.FileStatus) ([]chunkmodel.File, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE status = ? ORDER BY updated_at ASC", string(status))
	if err != nil {
		return nil, fmt.Errorf("list files by status %q: %w", status, err)
	}
	defer rows.Close()

	var result []chunkmodel.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func scanChunk(row interface{ Scan(...any) error }) (chunkmodel.Chunk, error) {
	var c chunkmodel.Chunk
	var digest, status string
	if err := row.Scan(&c.ID, &c.FileID, &c.Index, &c.Length, &digest, &status); err != nil {
		return chunkmodel.Chunk{}, err
	}
	c.Digest = chunkmodel.Digest(digest)
	c.Status = chunkmodel.ChunkStatus(status)
	return c, nil
}

const chunkColumns = "id, file_id, chunk_index, length, digest, status"

func (s *Store) ListChunks(ctx context.Context, fileID uuid.UUID) ([]chunkmodel.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE file_id = ? ORDER BY chunk_index ASC", fileID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for file %q: %w", fileID, err)
	}
	defer rows.Close()

	var result []chunkmodel.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) GetChunk(ctx context.Context, chunkID uuid.UUID) (chunkmodel.Chunk, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE id = ?", chunkID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chunkmodel.Chunk{}, store.ErrNotFound
	}
	if err != nil {
		return chunkmodel.Chunk{}, fmt.Errorf("get chunk %q: %w", chunkID, err)
	}
	return c, nil
}

func (s *Store) ListReplicas(ctx context.Context, chunkID uuid.UUID) ([]chunkmodel.Replica, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chunk_id, storage_node_id, created_at FROM replicas
		WHERE chunk_id = ? ORDER BY created_at ASC
	`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("list replicas for chunk %q: %w", chunkID, err)
	}
	defer rows.Close()

	var result []chunkmodel.Replica
	for rows.Next() {
		var r chunkmodel.Replica
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ChunkID, &r.StorageNodeID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan replica: %w", err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse replica created_at %q: %w", createdAt, err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) CreateShare(ctx context.Context, share chunkmodel.Share) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shares (id, file_id, owner_id, token, expires_at, access_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, share.ID, share.FileID, share.OwnerID, share.Token,
		nullTime(share.ExpiresAt), share.AccessCount, formatTime(share.CreatedAt))
	if err != nil {
		return fmt.Errorf("create share %q: %w", share.ID, err)
	}
	return nil
}

func scanShare(row interface{ Scan(...any) error }) (chunkmodel.Share, error) {
	var sh chunkmodel.Share
	var expiresAt *string
	var createdAt string
	err := row.Scan(&sh.ID, &sh.FileID, &sh.OwnerID, &sh.Token, &expiresAt, &sh.AccessCount, &createdAt)
	if err != nil {
		return chunkmodel.Share{}, err
	}
	if sh.ExpiresAt, err = scanNullTime(expiresAt); err != nil {
		return chunkmodel.Share{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if sh.CreatedAt, err = parseTime(createdAt); err != nil {
		return chunkmodel.Share{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return sh, nil
}

const shareColumns = "id, file_id, owner_id, token, expires_at, access_count, created_at"

func (s *Store) GetShareByToken(ctx context.Context, token string) (chunkmodel.Share, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+shareColumns+" FROM shares WHERE token = ?", token)
	sh, err := scanShare(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chunkmodel.Share{}, store.ErrNotFound
	}
	if err != nil {
		return chunkmodel.Share{}, fmt.Errorf("get share by token: %w", err)
	}
	return sh, nil
}

func (s *Store) IncrementShareAccess(ctx context.Context, shareID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE shares SET access_count = access_count + 1 WHERE id = ?", shareID)
	if err != nil {
		return fmt.Errorf("increment share %q access: %w", shareID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment share %q access: %w", shareID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteExpiredShares(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM shares WHERE expires_at IS NOT NULL AND expires_at < ?", formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired shares: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired shares: %w", err)
	}
	return int(n), nil
}
