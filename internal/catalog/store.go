// Package catalog is the durable mapping from watched path to file identity,
// per-file parse state, processor configuration, and settings. All
// writes go through Store, which serializes them behind a single mutex so
// compound transitions (upsert parse, then read the cascade) are race-free;
// reads may run concurrently against the underlying *sqlx.DB.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/hbomb79/theapipe/pkg/logger"
	"github.com/jmoiron/sqlx"
)

var storeLogger = logger.Get("Catalog")

// ErrNotFound is returned by single-row lookups when no matching row exists.
var ErrNotFound = errors.New("catalog: not found")

// Store is the catalog's single-writer API. Every exported method that
// mutates rows takes the embedded mutex first; read-only methods do not.
type Store struct {
	mu sync.Mutex
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// UpsertFile computes no hash itself - callers (the watcher) supply the
// content hash they have already computed from the bytes on disk - and
// inserts or updates the file row for path. Updating refreshes content_hash
// and updated_at but leaves kind and created_at untouched for existing rows.
func (s *Store) UpsertFile(path string, kind Kind, contentHash string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUnix()
	var f File
	if err := s.db.Get(&f, `
		INSERT INTO file (path, content_hash, kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (path) DO UPDATE SET content_hash = $2, updated_at = $4
		RETURNING id, path, content_hash, kind, created_at, updated_at
	`, path, contentHash, kind, now); err != nil {
		return nil, fmt.Errorf("failed to upsert file %q: %w", path, err)
	}

	return &f, nil
}

func (s *Store) GetFile(path string) (*File, error) {
	var f File
	if err := s.db.Get(&f, `SELECT * FROM file WHERE path = $1`, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file %q: %w", path, err)
	}

	return &f, nil
}

func (s *Store) GetFileByID(id int64) (*File, error) {
	var f File
	if err := s.db.Get(&f, `SELECT * FROM file WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file %d: %w", id, err)
	}

	return &f, nil
}

func (s *Store) ListFiles() ([]*File, error) {
	var files []*File
	if err := s.db.Select(&files, `SELECT * FROM file ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files, nil
}

// DeleteFile removes the file row for path, cascading its parse rows via the
// foreign key. Deleting a path that isn't catalogued is a no-op.
func (s *Store) DeleteFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM file WHERE path = $1`, path); err != nil {
		return fmt.Errorf("failed to delete file %q: %w", path, err)
	}

	storeLogger.Emit(logger.REMOVE, "File %q removed from catalog\n", path)
	return nil
}

// UpsertParse is the single-row atomic replace behind the per-parse
// transitions in the core - the coordinator's file and job-outcome
// handling, the dispatcher, and the reconciler call it. The bulk
// transitions (ApproveParses for the approval gate, ResetParsesByOutputPath
// and ResetParsesForFile for deletion recovery) are separate Store methods;
// all of them hold the store's write lock, so only the catalog's own API
// transitions a parse row.
func (s *Store) UpsertParse(p Parse) (*Parse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upsertParseLocked(p)
}

func (s *Store) upsertParseLocked(p Parse) (*Parse, error) {
	now := nowUnix()
	var out Parse
	if err := s.db.Get(&out, `
		INSERT INTO parse (file_id, processor_name, status, output_path, error, approval_batch_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (file_id, processor_name) DO UPDATE SET
			status = $3, output_path = $4, error = $5, approval_batch_id = $6, updated_at = $7
		RETURNING file_id, processor_name, status, output_path, error, approval_batch_id, updated_at
	`, p.FileID, p.Processor, p.Status, p.OutputPath, p.Error, p.ApprovalBatchID, now); err != nil {
		return nil, fmt.Errorf("failed to upsert parse (%d, %s): %w", p.FileID, p.Processor, err)
	}

	return &out, nil
}

func (s *Store) GetParse(fileID int64, processor string) (*Parse, error) {
	var p Parse
	if err := s.db.Get(&p, `SELECT * FROM parse WHERE file_id = $1 AND processor_name = $2`, fileID, processor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get parse (%d, %s): %w", fileID, processor, err)
	}

	return &p, nil
}

func (s *Store) ListParsesForFile(fileID int64) ([]*Parse, error) {
	var parses []*Parse
	if err := s.db.Select(&parses, `SELECT * FROM parse WHERE file_id = $1`, fileID); err != nil {
		return nil, fmt.Errorf("failed to list parses for file %d: %w", fileID, err)
	}

	return parses, nil
}

func (s *Store) ListParsesByOutputPath(outputPath string) ([]*Parse, error) {
	var parses []*Parse
	if err := s.db.Select(&parses, `SELECT * FROM parse WHERE output_path = $1`, outputPath); err != nil {
		return nil, fmt.Errorf("failed to list parses by output path %q: %w", outputPath, err)
	}

	return parses, nil
}

// ListParsesByStatus supports the reconciler's scan over pending/processing
// rows.
func (s *Store) ListParsesByStatus(statuses ...Status) ([]*Parse, error) {
	var parses []*Parse
	query, args, err := sqlx.In(`SELECT * FROM parse WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build status-filtered parse query: %w", err)
	}

	if err := s.db.Select(&parses, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list parses by status: %w", err)
	}

	return parses, nil
}

// ResetParsesByOutputPath is the single primitive behind deletion
// recovery: every parse row whose output_path equals the deleted path
// is atomically flipped back to pending with output_path cleared, and the
// affected rows are returned so the caller can re-enqueue them.
func (s *Store) ResetParsesByOutputPath(outputPath string) ([]*Parse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parses []*Parse
	if err := s.db.Select(&parses, `
		UPDATE parse
		SET status = $1, output_path = NULL, error = NULL, updated_at = $2
		WHERE output_path = $3
		RETURNING file_id, processor_name, status, output_path, error, approval_batch_id, updated_at
	`, StatusPending, nowUnix(), outputPath); err != nil {
		return nil, fmt.Errorf("failed to reset parses by output path %q: %w", outputPath, err)
	}

	if len(parses) > 0 {
		storeLogger.Emit(logger.NEW, "Deletion recovery: reset %d parse(s) producing %q back to pending\n", len(parses), outputPath)
	}

	return parses, nil
}

// ResetParsesForFile flips every parse row belonging to fileID back to
// pending, clearing output_path and error. Used by the watcher's change
// handler: a changed file's content invalidates every processor's prior
// result against it, done or not, the same way ResetParsesByOutputPath
// invalidates a single deleted derivative.
func (s *Store) ResetParsesForFile(fileID int64) ([]*Parse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parses []*Parse
	if err := s.db.Select(&parses, `
		UPDATE parse
		SET status = $1, output_path = NULL, error = NULL, updated_at = $2
		WHERE file_id = $3
		RETURNING file_id, processor_name, status, output_path, error, approval_batch_id, updated_at
	`, StatusPending, nowUnix(), fileID); err != nil {
		return nil, fmt.Errorf("failed to reset parses for file %d: %w", fileID, err)
	}

	if len(parses) > 0 {
		storeLogger.Emit(logger.NEW, "File %d changed: reset %d parse(s) back to pending\n", fileID, len(parses))
	}

	return parses, nil
}

// DeleteParsesForFile removes every parse row belonging to fileID without
// touching the file row itself. DeleteFile's ON DELETE CASCADE covers the
// common case; this exists for callers that need to clear parse history
// while keeping the file catalogued.
func (s *Store) DeleteParsesForFile(fileID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM parse WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("failed to delete parses for file %d: %w", fileID, err)
	}

	return nil
}
