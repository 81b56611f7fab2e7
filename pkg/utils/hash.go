package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint hashes the script bodies in the given order followed by the HTML.
// The result is a 64 character lowercase hex string.
func Fingerprint(scripts [][]byte, html string) string {
	hash := sha256.New()
	for _, body := range scripts {
		hash.Write(body)
	}
	hash.Write([]byte(html))
	return hex.EncodeToString(hash.Sum(nil))
}

// IsFingerprint reports whether s looks like a hex SHA-256 digest.
func IsFingerprint(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
