package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signature returns the hex HMAC-SHA256 of body under secret, prefixed with
// the algorithm name.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig matches body under secret.
func VerifySignature(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Signature(secret, body)), []byte(sig))
}
