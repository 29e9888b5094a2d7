// Package id generates compact unique identifiers.
package id

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 identifier.
func NewID() string {
	raw := uuid.New()
	return strings.ToLower(encoding.EncodeToString(raw[:]))
}

// Suffix returns the first n hex characters of a fresh UUID, for
// embedding in human-readable identifiers such as event IDs.
func Suffix(n int) string {
	value := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(value) {
		n = len(value)
	}
	return value[:n]
}
