package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteIndex(t *testing.T) *SQLiteIdempotencyIndex {
	t.Helper()
	idx, err := NewSQLiteIdempotencyIndex(filepath.Join(t.TempDir(), "idempotency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSQLiteReserveAndLookup(t *testing.T) {
	idx := newSQLiteIndex(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Reserve(ctx, "k1", "evt-1", seen, []byte(`{"x":1}`)))

	rec, err := idx.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "evt-1", rec.EventID)
	assert.True(t, rec.FirstSeenAt.Equal(seen))
}

func TestSQLiteReserveDuplicate(t *testing.T) {
	idx := newSQLiteIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Reserve(ctx, "k1", "evt-1", time.Now(), nil))
	err := idx.Reserve(ctx, "k1", "evt-2", time.Now(), nil)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestSQLiteCommitClearsWAL(t *testing.T) {
	idx := newSQLiteIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Reserve(ctx, "k1", "evt-1", time.Now(), []byte(`{}`)))
	require.NoError(t, idx.Commit(ctx, "k1"))

	pending, err := idx.Uncommitted(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSQLiteUncommittedSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idempotency.db")
	ctx := context.Background()

	idx, err := NewSQLiteIdempotencyIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.Reserve(ctx, "crashed", "evt-9", time.Now().UTC(), []byte(`{"env":1}`)))
	require.NoError(t, idx.Close())

	reopened, err := NewSQLiteIdempotencyIndex(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Uncommitted(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "crashed", pending[0].Key)
	assert.Equal(t, "evt-9", pending[0].EventID)
	assert.JSONEq(t, `{"env":1}`, string(pending[0].WALEnvelope))
}

func TestSQLiteReleaseUnknownKeyIsNoop(t *testing.T) {
	idx := newSQLiteIndex(t)
	assert.NoError(t, idx.Release(context.Background(), "missing"))
}

func TestSQLiteCommitUnknownKey(t *testing.T) {
	idx := newSQLiteIndex(t)
	err := idx.Commit(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// Driver-level error paths, exercised with sqlmock.

func TestReserveMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO idempotency").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: idempotency.idempotency_key"))

	idx := NewSQLiteIdempotencyIndexFromDB(db)
	err = idx.Reserve(context.Background(), "k", "evt", time.Now(), nil)
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupSurfacesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT idempotency_key").
		WillReturnError(errors.New("database is locked"))

	idx := NewSQLiteIdempotencyIndexFromDB(db)
	_, err = idx.Lookup(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
