// Package idgen provides random identifiers and transaction references.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ReferenceSeparator splits a reference into its prefix and uuid parts.
const ReferenceSeparator = "|"

// New generates a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// Reference returns a globally unique transaction reference of the form
// "<prefix>|<uuid>". The prefix tells apart references issued by different
// flows (e.g. "TXN" for user transfers, "ADM" for admin adjustments).
func Reference(prefix string) string {
	return prefix + ReferenceSeparator + uuid.NewString()
}

// ReferencePrefix returns the prefix part of a reference, or "" if ref is not
// a well-formed reference.
func ReferencePrefix(ref string) string {
	prefix, rest, ok := strings.Cut(ref, ReferenceSeparator)
	if !ok || prefix == "" {
		return ""
	}
	if _, err := uuid.Parse(rest); err != nil {
		return ""
	}
	return prefix
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
