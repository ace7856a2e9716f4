package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey hashes a raw API key the same way provisioning does.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
