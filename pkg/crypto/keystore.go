package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// LoadOrCreateIdentity loads the device identity key from path,
// generating and persisting a fresh one on first run. The file holds
// the hex-encoded private key and is created with owner-only
// permissions.
func LoadOrCreateIdentity(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseIdentity(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity key: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	encoded := hex.EncodeToString(kp.PrivateKey[:]) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to save identity key: %w", err)
	}

	return kp, nil
}

func parseIdentity(data []byte) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("identity key file is not hex: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("identity key is %d bytes: %w", len(raw), ErrInvalidKey)
	}

	kp := &KeyPair{}
	copy(kp.PrivateKey[:], raw)

	public, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.PublicKey[:], public)
	return kp, nil
}
