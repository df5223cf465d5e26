// Package ledger holds the append-only ledger log adapters audit records are submitted to.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// LedgerLog is an append-only, tamper-evident message log.
// Submit may fail transiently; callers retry. Adapters must treat a replay of an
// identical payload as the same submission and return the original reference.
type LedgerLog interface {
	Submit(ctx context.Context, topic string, payload []byte) (string, error)
}

// HealthChecker is implemented by adapters that can report connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ErrRejected marks a submission the ledger will never accept; it is not retried.
var ErrRejected = errors.New("ledger rejected submission")

// Digest is the hex SHA-256 of a payload, the deduplication key of every adapter.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
