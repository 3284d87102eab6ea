// Package payload implements content-addressed storage for raw GMP payload
// bytes. Payloads are keyed by their keccak-256 digest, so storing the same
// bytes twice is a no-op that returns the same hash.
package payload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrNotFound reports a lookup for a hash with no stored payload.
var ErrNotFound = errors.New("payload not found")

// Store is the contract for content-addressed payload storage.
type Store interface {
	// Put persists data and returns its keccak-256 hash as lowercase hex.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves the exact bytes previously stored under the hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks whether a payload is stored under the hash.
	Exists(ctx context.Context, hash string) (bool, error)
}

// Hash computes the keccak-256 digest of data as lowercase hex without a
// prefix. The empty payload hashes like any other byte string.
func Hash(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeHash validates a caller-supplied hash and strips an optional 0x
// prefix. Hashes compare case-insensitively; the canonical form is lowercase.
func NormalizeHash(hash string) (string, error) {
	raw := strings.TrimPrefix(strings.ToLower(hash), "0x")
	if len(raw) != 64 {
		return "", fmt.Errorf("invalid payload hash length %d: %s", len(raw), hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid payload hash %s: %w", hash, err)
	}
	return raw, nil
}
