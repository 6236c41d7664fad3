// Package crypto provides the key material primitives for EchoMesh:
// X25519 identity keys, Diffie-Hellman agreement, and the HKDF/HMAC
// derivations behind session keys and the per-message ratchet.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrWeakSharedSecret = errors.New("weak shared secret")
)

// Key sizes
const (
	KeySize        = 32 // X25519 key length
	SessionKeySize = 32 // Derived symmetric key length
)

// HKDF domain separation for session key derivation
const (
	sessionSalt       = "echomesh-session-v1"
	sessionInfoPrefix = "echomesh-peer:"
)

// KeyPair is an X25519 key pair. The same type serves both the long-term
// device identity and the per-handshake ephemeral keys.
type KeyPair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// GenerateKeyPair generates a new X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}

	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	public, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.PublicKey[:], public)

	return kp, nil
}

// SharedSecret performs X25519 Diffie-Hellman agreement. It rejects
// low-order peer public keys that would produce an all-zero secret.
func SharedSecret(private [KeySize]byte, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("peer public key is %d bytes: %w", len(peerPublic), ErrInvalidKey)
	}

	secret, err := curve25519.X25519(private[:], peerPublic)
	if err != nil {
		return nil, ErrWeakSharedSecret
	}

	return secret, nil
}

// SessionKeys holds the two distinct symmetric keys a session uses:
// one for AEAD encryption, one for HMAC authentication.
type SessionKeys struct {
	EncryptionKey []byte
	HMACKey       []byte
}

// DeriveSessionKeys derives the encryption and HMAC keys from a DH
// shared secret via HKDF-SHA256. The info string is built from the
// lexicographically sorted device identifiers so both sides derive
// identical keys regardless of who initiated.
func DeriveSessionKeys(sharedSecret []byte, localID, remoteID string) (*SessionKeys, error) {
	lo, hi := localID, remoteID
	if hi < lo {
		lo, hi = hi, lo
	}
	info := sessionInfoPrefix + lo + "|" + hi

	reader := hkdf.New(sha256.New, sharedSecret, []byte(sessionSalt), []byte(info))

	material := make([]byte, 2*SessionKeySize)
	if _, err := reader.Read(material); err != nil {
		return nil, fmt.Errorf("session key derivation failed: %w", err)
	}

	return &SessionKeys{
		EncryptionKey: material[:SessionKeySize],
		HMACKey:       material[SessionKeySize:],
	}, nil
}

// RatchetKey derives the next key in a one-way chain from the current
// key and the message number: HMAC-SHA256(current, label || number).
// Keyed by the previous key material only, so a compromised current key
// cannot be walked backwards.
func RatchetKey(current []byte, label string, messageNumber uint64) []byte {
	mac := hmac.New(sha256.New, current)
	mac.Write([]byte(label))

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], messageNumber)
	mac.Write(num[:])

	return mac.Sum(nil)
}
