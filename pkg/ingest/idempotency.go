package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

var (
	// ErrDuplicateKey means the idempotency key is already reserved or
	// committed. Not a failure at the domain level: the submission is
	// deliberately suppressed.
	ErrDuplicateKey = errors.New("ingest: idempotency key already seen")

	ErrKeyNotFound = errors.New("ingest: idempotency key not found")
)

// PendingReservation is a reservation that never committed: the process
// crashed between reserving the key and appending to the store. The
// startup sweep replays it from the WAL envelope or releases it.
type PendingReservation struct {
	Key         string
	EventID     string
	FirstSeenAt time.Time
	WALEnvelope []byte
}

// IdempotencyIndex is the durable key reservation store. Reserve must
// be durable before the observation-store append happens; Commit marks
// the append complete; Release undoes a reservation whose append
// failed.
type IdempotencyIndex interface {
	Reserve(ctx context.Context, key, eventID string, firstSeen time.Time, walEnvelope []byte) error
	Commit(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
	Lookup(ctx context.Context, key string) (*contracts.IdempotencyRecord, error)
	Uncommitted(ctx context.Context) ([]PendingReservation, error)
	Close() error
}

// MemoryIdempotencyIndex is the in-memory reference implementation,
// used in tests and memory-only deployments.
type MemoryIdempotencyIndex struct {
	mu      sync.Mutex
	records map[string]*memReservation
}

type memReservation struct {
	record    contracts.IdempotencyRecord
	committed bool
	wal       []byte
}

// NewMemoryIdempotencyIndex creates an empty in-memory index.
func NewMemoryIdempotencyIndex() *MemoryIdempotencyIndex {
	return &MemoryIdempotencyIndex{records: make(map[string]*memReservation)}
}

func (m *MemoryIdempotencyIndex) Reserve(_ context.Context, key, eventID string, firstSeen time.Time, walEnvelope []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return ErrDuplicateKey
	}
	m.records[key] = &memReservation{
		record: contracts.IdempotencyRecord{
			IdempotencyKey: key,
			FirstSeenAt:    firstSeen,
			EventID:        eventID,
		},
		wal: walEnvelope,
	}
	return nil
}

func (m *MemoryIdempotencyIndex) Commit(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return ErrKeyNotFound
	}
	r.committed = true
	r.wal = nil
	return nil
}

func (m *MemoryIdempotencyIndex) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryIdempotencyIndex) Lookup(_ context.Context, key string) (*contracts.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	rec := r.record
	return &rec, nil
}

func (m *MemoryIdempotencyIndex) Uncommitted(_ context.Context) ([]PendingReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingReservation
	for _, r := range m.records {
		if !r.committed {
			out = append(out, PendingReservation{
				Key:         r.record.IdempotencyKey,
				EventID:     r.record.EventID,
				FirstSeenAt: r.record.FirstSeenAt,
				WALEnvelope: r.wal,
			})
		}
	}
	return out, nil
}

func (m *MemoryIdempotencyIndex) Close() error { return nil }
