package workflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/identigate/identigate/pkg/core"
)

const tokenBytes = 32

// mintToken generates a single-use token value and the hash under which it is
// stored. The raw value appears only in the approval notice; the store keeps
// the hash.
func mintToken() (value, hash string, err error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", core.NewApprovalError("failed to generate token", err)
	}
	value = base64.RawURLEncoding.EncodeToString(raw)
	return value, hashToken(value), nil
}

// hashToken returns the storage hash of a presented token value.
func hashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
