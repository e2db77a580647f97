package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum returns the hex SHA-256 of s.
func Checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
