package deid

import (
	"crypto/sha256"
	"encoding/hex"
)

// DefaultSalt is used when no hash salt is configured.
const DefaultSalt = "cleanclinic_salt_2024"

// HashLength is the number of hex characters kept from the digest.
const HashLength = 16

// HashValue returns the truncated SHA-256 of text salted with salt.
// The result depends only on text and salt, so it is stable across runs.
func HashValue(text, salt string) string {
	sum := sha256.Sum256([]byte(text + salt))
	return hex.EncodeToString(sum[:])[:HashLength]
}
