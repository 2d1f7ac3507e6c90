// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of cycle artifacts.
//
// Every content hash in the engine (sealed cycles, log entries) goes
// through this package: same content, same bytes, same hash, across
// process restarts and across replicas.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshaled with encoding/json so struct tags are honored,
// then transformed to canonical form: keys sorted by UTF-16 code units,
// no HTML escaping, shortest-round-trip number formatting.
func Canonical(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns "sha256:<hex>" over the canonical JSON encoding of v.
func Hash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "sha256:<hex>" over raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ID mints a short content-addressed identifier: the prefix plus the
// first 12 hex digits of the canonical hash of parts. Identical inputs
// always yield the same ID.
func ID(prefix string, parts ...interface{}) string {
	b, err := Canonical(parts)
	if err != nil {
		return prefix + "-unhashable"
	}
	sum := sha256.Sum256(b)
	return prefix + "-" + hex.EncodeToString(sum[:6])
}
