// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RequestHash is the salted digest callers must present alongside a
// resolution request: sha256(program_name + program_id + secret).
func RequestHash(programName string, programID int64, secret string) string {
	sum := sha256.Sum256([]byte(programName + strconv.FormatInt(programID, 10) + secret))
	return hex.EncodeToString(sum[:])
}
