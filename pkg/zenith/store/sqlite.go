package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	sqlite "modernc.org/sqlite" // Pure Go SQLite driver
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore persists events to SQLite. It is suitable for
// single-process production use; the composite primary key gives exact
// point lookups and the (source_id, seq_no) index order gives prefix
// scans for free.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) an event store at path. Use
// ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps appends from blocking concurrent readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			source_id INTEGER NOT NULL,
			seq_no    INTEGER NOT NULL,
			ts_ns     INTEGER NOT NULL,
			flags     INTEGER NOT NULL,
			payload   BLOB,
			PRIMARY KEY (source_id, seq_no)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, evt *StoredEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (source_id, seq_no, ts_ns, flags, payload)
		VALUES (?, ?, ?, ?, ?)
	`, int64(evt.SourceID), int64(evt.SeqNo), int64(evt.TimestampNS), int64(evt.Flags), evt.Payload)

	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: source=%d seq=%d", ErrDuplicate, evt.SourceID, evt.SeqNo)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// isConstraintViolation reports whether err is the driver's extended
// result code for a primary-key or unique-index collision.
func isConstraintViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, sourceID uint32, seqNo uint64) (*StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT ts_ns, flags, payload FROM events
		WHERE source_id = ? AND seq_no = ?
	`, int64(sourceID), int64(seqNo))

	evt := &StoredEvent{SourceID: sourceID, SeqNo: seqNo}
	var tsNS, flags int64
	err := row.Scan(&tsNS, &flags, &evt.Payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	evt.TimestampNS = uint64(tsNS)
	evt.Flags = uint32(flags)
	return evt, nil
}

// Scan implements Store.
func (s *SQLiteStore) Scan(ctx context.Context, sourceID uint32) ([]*StoredEvent, error) {
	return s.scan(ctx, `
		SELECT seq_no, ts_ns, flags, payload FROM events
		WHERE source_id = ?
		ORDER BY seq_no ASC
	`, sourceID, int64(sourceID))
}

// ScanRange implements Store.
func (s *SQLiteStore) ScanRange(ctx context.Context, sourceID uint32, fromSeq, toSeq uint64) ([]*StoredEvent, error) {
	return s.scan(ctx, `
		SELECT seq_no, ts_ns, flags, payload FROM events
		WHERE source_id = ? AND seq_no >= ? AND seq_no < ?
		ORDER BY seq_no ASC
	`, sourceID, int64(sourceID), int64(fromSeq), int64(toSeq))
}

func (s *SQLiteStore) scan(ctx context.Context, query string, sourceID uint32, args ...any) ([]*StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	defer rows.Close()

	events := make([]*StoredEvent, 0)
	for rows.Next() {
		evt := &StoredEvent{SourceID: sourceID}
		var seqNo, tsNS, flags int64
		if err := rows.Scan(&seqNo, &tsNS, &flags, &evt.Payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		evt.SeqNo = uint64(seqNo)
		evt.TimestampNS = uint64(tsNS)
		evt.Flags = uint32(flags)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, sourceID uint32) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE source_id = ?`, int64(sourceID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Flush implements Store: checkpoints the WAL so appended events reach
// the main database file.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close implements Store. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
