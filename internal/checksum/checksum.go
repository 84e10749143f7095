// Package checksum computes the content checksums peervault records for files.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Verify reports whether data hashes to want. Hex case is ignored.
func Verify(data []byte, want string) bool {
	return want != "" && strings.EqualFold(Sum(data), want)
}
