package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeHMAC returns the hex HMAC-SHA256 of message under secret.
func ComputeHMAC(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares a provided hex signature against the expected HMAC in
// constant time. Malformed hex never matches.
func VerifyHMAC(secret string, message []byte, provided string) bool {
	providedBytes, err := hex.DecodeString(strings.TrimPrefix(provided, "0x"))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hmac.Equal(providedBytes, mac.Sum(nil))
}
