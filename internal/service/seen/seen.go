// Package seen tracks which message payloads a session has already shown,
// so a message arriving by push and by poll is displayed once.
package seen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

type (
	Set interface {
		// Add records hash and reports whether it was absent. Exactly one of
		// several concurrent callers with the same hash gets true.
		Add(ctx context.Context, session, hash string) (bool, error)
		Contains(ctx context.Context, session, hash string) (bool, error)
		// Remove forgets hash, so a later Add reports it absent again.
		Remove(ctx context.Context, session, hash string) error
	}
)

// Hash is the hex SHA-256 of a sealed payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
