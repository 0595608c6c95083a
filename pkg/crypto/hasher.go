package crypto

import (
	"fmt"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
)

// Hasher provides deterministic hashing over canonically serialized values.
type Hasher interface {
	Hash(v interface{}) (string, error)
}

// CanonicalHasher hashes the RFC 8785 canonical JSON form of a value with
// SHA-256, delegating serialization to pkg/canonicalize so every component
// that needs content-addressed hashing agrees on the same byte form.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Hash(v interface{}) (string, error) {
	hash, err := canonicalize.CanonicalHash(v)
	if err != nil {
		return "", fmt.Errorf("crypto: canonical hash failed: %w", err)
	}
	return hash, nil
}
