package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// SQLiteIdempotencyIndex is the durable idempotency index. The row
// doubles as the ingestion WAL: the submitted envelope is stored with
// the reservation and cleared on commit, so a crash between reserve and
// store-append leaves enough state to finish or undo the submission.
type SQLiteIdempotencyIndex struct {
	db *sql.DB
}

// NewSQLiteIdempotencyIndex opens (or creates) the index at path.
func NewSQLiteIdempotencyIndex(path string) (*SQLiteIdempotencyIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open idempotency index: %w", err)
	}
	idx := &SQLiteIdempotencyIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// NewSQLiteIdempotencyIndexFromDB wraps an existing handle; used by
// tests with sqlmock.
func NewSQLiteIdempotencyIndexFromDB(db *sql.DB) *SQLiteIdempotencyIndex {
	return &SQLiteIdempotencyIndex{db: db}
}

func (s *SQLiteIdempotencyIndex) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS idempotency (
        idempotency_key TEXT PRIMARY KEY,
        event_id TEXT NOT NULL,
        first_seen_at TEXT NOT NULL,
        committed INTEGER NOT NULL DEFAULT 0,
        wal_envelope BLOB
    );`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("ingest: migrate idempotency index: %w", err)
	}
	return nil
}

func (s *SQLiteIdempotencyIndex) Reserve(ctx context.Context, key, eventID string, firstSeen time.Time, walEnvelope []byte) error {
	query := `INSERT INTO idempotency (idempotency_key, event_id, first_seen_at, committed, wal_envelope)
	          VALUES (?, ?, ?, 0, ?)`
	_, err := s.db.ExecContext(ctx, query, key, eventID, firstSeen.UTC().Format(time.RFC3339Nano), walEnvelope)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("ingest: reserve key: %w", err)
	}
	return nil
}

func (s *SQLiteIdempotencyIndex) Commit(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency SET committed = 1, wal_envelope = NULL WHERE idempotency_key = ?`, key)
	if err != nil {
		return fmt.Errorf("ingest: commit key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SQLiteIdempotencyIndex) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE idempotency_key = ?`, key)
	if err != nil {
		return fmt.Errorf("ingest: release key: %w", err)
	}
	return nil
}

func (s *SQLiteIdempotencyIndex) Lookup(ctx context.Context, key string) (*contracts.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT idempotency_key, event_id, first_seen_at FROM idempotency WHERE idempotency_key = ?`, key)

	var rec contracts.IdempotencyRecord
	var seen string
	if err := row.Scan(&rec.IdempotencyKey, &rec.EventID, &seen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("ingest: lookup key: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, seen)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse first_seen_at: %w", err)
	}
	rec.FirstSeenAt = ts
	return &rec, nil
}

func (s *SQLiteIdempotencyIndex) Uncommitted(ctx context.Context) ([]PendingReservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idempotency_key, event_id, first_seen_at, wal_envelope FROM idempotency WHERE committed = 0`)
	if err != nil {
		return nil, fmt.Errorf("ingest: scan uncommitted: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingReservation
	for rows.Next() {
		var p PendingReservation
		var seen string
		if err := rows.Scan(&p.Key, &p.EventID, &seen, &p.WALEnvelope); err != nil {
			return nil, fmt.Errorf("ingest: scan reservation: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, seen); err == nil {
			p.FirstSeenAt = ts
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ingest: scan uncommitted: %w", err)
	}
	return out, nil
}

func (s *SQLiteIdempotencyIndex) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_PRIMARYKEY in the
	// error text; matching on it avoids importing driver internals.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
