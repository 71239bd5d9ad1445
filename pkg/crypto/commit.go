package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/trustplane/attest/pkg/canonical"
)

// Commit computes the HMAC-SHA256 commitment over the canonical JSON form of
// obj, hex encoded. Two parties holding the same key and the same object
// always derive the same tag; the tag reveals nothing beyond equality.
func Commit(obj any, key []byte) (string, error) {
	msg, err := canonical.Encode(obj)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CommitBytes computes the HMAC-SHA256 tag over raw bytes, hex encoded.
func CommitBytes(msg, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeEqual compares two tags without leaking the mismatch position.
func ConstantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
