package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	seqerrors "github.com/randalmurphal/sequent/pkg/sequent/errors"
)

// SQLiteStore persists sequence counters to SQLite.
// It is suitable for single-process production use.
//
// Each allocation runs in a transaction on the store's single connection,
// so concurrent allocations for the same pair are strictly serialized by
// the database write lock.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite sequence store.
// The path should be a file path (e.g., "./sequences.db").
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection avoids spurious SQLITE_BUSY between pooled
	// connections; writers queue on the database lock instead.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sequence_counters (
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			last_sequence INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (entity_id, entity_type)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Allocate implements Allocator.
func (s *SQLiteStore) Allocate(ctx context.Context, entityID, entityType string) (uint64, error) {
	if err := validatePair(entityID, entityType); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyStorage("allocate", err)
	}

	var next uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sequence_counters (entity_id, entity_type, last_sequence, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(entity_id, entity_type) DO UPDATE SET
			last_sequence = last_sequence + 1,
			updated_at = excluded.updated_at
		RETURNING last_sequence
	`, entityID, entityType, time.Now().UTC().Format(time.RFC3339Nano)).Scan(&next)
	if err != nil {
		tx.Rollback()
		return 0, classifyStorage("allocate", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, classifyStorage("allocate", err)
	}
	return next, nil
}

// Last implements Allocator.
func (s *SQLiteStore) Last(ctx context.Context, entityID, entityType string) (uint64, error) {
	if err := validatePair(entityID, entityType); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var last uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM sequence_counters
		WHERE entity_id = ? AND entity_type = ?
	`, entityID, entityType).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classifyStorage("last", err)
	}
	return last, nil
}

// SetLast implements Allocator.
func (s *SQLiteStore) SetLast(ctx context.Context, entityID, entityType string, value uint64) error {
	if err := validatePair(entityID, entityType); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequence_counters (entity_id, entity_type, last_sequence, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, entity_type) DO UPDATE SET
			last_sequence = excluded.last_sequence,
			updated_at = excluded.updated_at
	`, entityID, entityType, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classifyStorage("set_last", err)
	}
	return nil
}

// Reset implements Allocator.
func (s *SQLiteStore) Reset(ctx context.Context, entityID, entityType string) error {
	if err := validatePair(entityID, entityType); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sequence_counters WHERE entity_id = ? AND entity_type = ?
	`, entityID, entityType)
	if err != nil {
		return classifyStorage("reset", err)
	}
	return nil
}

// Counters returns all stored counters, for operational inspection.
func (s *SQLiteStore) Counters(ctx context.Context) ([]Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, entity_type, last_sequence, updated_at
		FROM sequence_counters
		ORDER BY entity_id, entity_type
	`)
	if err != nil {
		return nil, classifyStorage("counters", err)
	}
	defer rows.Close()

	var counters []Counter
	for rows.Next() {
		var c Counter
		var updatedAt string
		if err := rows.Scan(&c.EntityID, &c.EntityType, &c.LastSequence, &updatedAt); err != nil {
			return nil, classifyStorage("counters", err)
		}
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStorage("counters", err)
	}
	return counters, nil
}

// Close implements Allocator.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// classifyStorage maps driver errors onto the taxonomy. Lock contention
// (SQLITE_BUSY, SQLITE_LOCKED) is transient; everything else is permanent.
func classifyStorage(op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return seqerrors.TransientStorage(op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return seqerrors.PermanentStorage(op, err)
}
