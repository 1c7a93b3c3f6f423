// Package idgen generates identifiers for ledger rows and idempotency keys.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "evt_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Deterministic derives a stable ID from a namespace and a name. The same
// inputs always give the same ID, which makes it usable as a gateway
// idempotency key.
func Deterministic(prefix, name string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(name))
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}
