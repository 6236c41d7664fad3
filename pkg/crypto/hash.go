package crypto

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// Fingerprint returns a short human-readable identifier for a public
// key: the first 8 bytes of its BLAKE2b-256 hash, hex encoded.
func Fingerprint(publicKey []byte) string {
	hash, err := Hash(publicKey)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(hash[:8])
}

// GenerateNonce generates a random nonce
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	_, err := rand.Read(nonce)
	if err != nil {
		return nil, err
	}
	return nonce, nil
}
