// Package credential hashes and verifies user secrets such as transaction
// PINs and passwords.
//
// Digests are bcrypt strings; each carries its own random salt, so hashing
// the same secret twice yields different digests that both verify.
package credential

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost matches the work factor used at signup.
const DefaultCost = bcrypt.DefaultCost

var ErrEmptySecret = errors.New("secret is empty")

// Verifier hashes and compares secrets. It holds no mutable state and is
// safe for concurrent use.
type Verifier struct {
	cost int
}

// New creates a verifier with the given bcrypt cost. A cost outside bcrypt's
// accepted range falls back to DefaultCost.
func New(cost int) *Verifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &Verifier{cost: cost}
}

// Hash returns a salted one-way digest of secret.
func (v *Verifier) Hash(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether secret matches digest. Malformed digests and
// mismatches both return false; the comparison is constant-time.
func (v *Verifier) Verify(secret, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
}
