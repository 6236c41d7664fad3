package session

import (
	"crypto/hmac"
	"crypto/sha256"
)

// authenticate computes the HMAC-SHA256 tag over a ciphertext.
func authenticate(ciphertext, hmacKey []byte) []byte {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// verifyHMAC checks a received tag in constant time.
func verifyHMAC(ciphertext, tag, hmacKey []byte) bool {
	return hmac.Equal(tag, authenticate(ciphertext, hmacKey))
}
