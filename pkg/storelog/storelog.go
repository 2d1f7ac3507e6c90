// Package storelog implements the append-only persistent logs backing
// the engine: events, metrics, sealed cycles, DLQ, and baseline
// snapshots.
//
// Each log is a sequence of line-delimited JSON entries. Entries are
// hash-chained: entry N carries the hash of entry N-1, so any mutation
// or truncation in the middle of a log is detectable by Verify. Records
// are never modified or deleted.
package storelog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/canonicalize"
)

const genesisHash = "genesis"

var (
	ErrEntryNotFound = errors.New("storelog: entry not found")
	ErrChainBroken   = errors.New("storelog: hash chain is broken")
)

// Entry is one immutable log record. Payload is the caller's JSON
// document; the surrounding fields form the chain.
type Entry struct {
	Sequence  uint64          `json:"sequence"`
	EntryType string          `json:"entry_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
}

// Log is an append-only, hash-chained, line-delimited log. A nil file
// handle (path "") keeps the log memory-only, which the tests use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	file    *os.File
	clock   func() time.Time
}

// Open opens (or creates) the log at path and replays existing entries
// to rebuild in-memory state. An empty path yields a memory-only log.
func Open(path string) (*Log, error) {
	l := &Log{head: genesisHash, clock: time.Now}
	if path == "" {
		return l, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storelog: open %s: %w", path, err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			f.Close()
			return nil, fmt.Errorf("storelog: corrupt entry at seq %d in %s: %w", len(l.entries)+1, path, err)
		}
		l.entries = append(l.entries, e)
		l.head = e.EntryHash
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("storelog: replay %s: %w", path, err)
	}

	l.file = f
	return l, nil
}

// WithClock overrides the clock for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append adds an entry, durably writing the line before returning.
// Returns the assigned sequence number.
func (l *Log) Append(entryType string, payload interface{}) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("storelog: marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	entry := Entry{
		Sequence:  seq,
		EntryType: entryType,
		Timestamp: l.clock().UTC(),
		Payload:   raw,
		PrevHash:  l.head,
	}
	hash, err := entryHash(&entry)
	if err != nil {
		return 0, err
	}
	entry.EntryHash = hash

	if l.file != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("storelog: marshal entry: %w", err)
		}
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			return 0, fmt.Errorf("storelog: append failed: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return 0, fmt.Errorf("storelog: sync failed: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.head = entry.EntryHash
	return seq, nil
}

// Get retrieves an entry by sequence number (1-based).
func (l *Log) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("%w: seq %d", ErrEntryNotFound, seq)
	}
	e := l.entries[seq-1]
	return &e, nil
}

// Range calls fn for each entry in [start, end] sequence order. fn
// returning false stops the scan.
func (l *Log) Range(start, end uint64, fn func(*Entry) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := start; i <= end && i <= uint64(len(l.entries)); i++ {
		if i == 0 {
			continue
		}
		e := l.entries[i-1]
		if !fn(&e) {
			return
		}
	}
}

// Length returns the number of entries.
func (l *Log) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Verify walks the whole chain, recomputing each entry hash. Returns
// ErrChainBroken with a position detail on the first mismatch.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for i := range l.entries {
		e := l.entries[i]
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d expected prev %s, got %s", ErrChainBroken, i+1, prev, e.PrevHash)
		}
		check := Entry{
			Sequence:  e.Sequence,
			EntryType: e.EntryType,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
			PrevHash:  e.PrevHash,
		}
		computed, err := entryHash(&check)
		if err != nil {
			return err
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, i+1)
		}
		prev = e.EntryHash
	}
	return nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func entryHash(e *Entry) (string, error) {
	hashInput := struct {
		Sequence  uint64          `json:"sequence"`
		EntryType string          `json:"entry_type"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
		PrevHash  string          `json:"prev_hash"`
	}{e.Sequence, e.EntryType, e.Timestamp, e.Payload, e.PrevHash}

	hash, err := canonicalize.Hash(hashInput)
	if err != nil {
		return "", fmt.Errorf("storelog: hash entry %d: %w", e.Sequence, err)
	}
	return hash, nil
}
