package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/aa-prime-studio/echomesh/pkg/crypto"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
)

// establishPair wires two managers with identical derived keys, the way
// a completed handshake would.
func establishPair(t *testing.T, aliceCfg, bobCfg *Config) (*Manager, *Manager) {
	t.Helper()

	secret := make([]byte, crypto.KeySize)
	for i := range secret {
		secret[i] = byte(i * 7)
	}

	aliceKeys, err := crypto.DeriveSessionKeys(secret, "device-alice", "device-bob")
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}
	bobKeys, err := crypto.DeriveSessionKeys(secret, "device-bob", "device-alice")
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}

	alice := NewManager(aliceCfg)
	alice.Establish("peer-bob", "device-bob", aliceKeys)

	bob := NewManager(bobCfg)
	bob.Establish("peer-alice", "device-alice", bobKeys)

	return alice, bob
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := establishPair(t, nil, nil)

	plaintexts := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xFF}, 4096),
	}

	for _, want := range plaintexts {
		envelope, err := alice.Encrypt("peer-bob", want)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		got, err := bob.Decrypt("peer-alice", envelope)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}

		if !bytes.Equal(got, want) {
			t.Errorf("round trip = %q, want %q", got, want)
		}
	}
}

func TestCounterAfterOneRoundTrip(t *testing.T) {
	alice, bob := establishPair(t, nil, nil)

	envelope, err := alice.Encrypt("peer-bob", []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := bob.Decrypt("peer-alice", envelope); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	if n := alice.Sessions()[0].MessageNumber; n != 1 {
		t.Errorf("alice message number = %d, want 1", n)
	}
	if n := bob.Sessions()[0].MessageNumber; n != 1 {
		t.Errorf("bob message number = %d, want 1", n)
	}
}

func TestDecryptWithoutSession(t *testing.T) {
	m := NewManager(nil)

	if _, err := m.Decrypt("peer-stranger", []byte{0x01}); !errors.Is(err, ErrNoSession) {
		t.Errorf("Decrypt = %v, want ErrNoSession", err)
	}
	if _, err := m.Encrypt("peer-stranger", []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Errorf("Encrypt = %v, want ErrNoSession", err)
	}
}

func TestReplayRejected(t *testing.T) {
	alice, bob := establishPair(t, nil, nil)

	envelope, err := alice.Encrypt("peer-bob", []byte("once"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := bob.Decrypt("peer-alice", envelope); err != nil {
		t.Fatalf("first Decrypt failed: %v", err)
	}

	if _, err := bob.Decrypt("peer-alice", envelope); !errors.Is(err, ErrReplay) {
		t.Errorf("replayed Decrypt = %v, want ErrReplay", err)
	}
}

func TestOldMessageOutsideWindowRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BacktrackWindow = 2
	alice, bob := establishPair(t, DefaultConfig(), cfg)

	first, err := alice.Encrypt("peer-bob", []byte("msg 0"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Move bob's counter well past the window.
	for i := 0; i < 5; i++ {
		env, err := alice.Encrypt("peer-bob", []byte("filler"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if _, err := bob.Decrypt("peer-alice", env); err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
	}

	if _, err := bob.Decrypt("peer-alice", first); !errors.Is(err, ErrReplay) {
		t.Errorf("out-of-window Decrypt = %v, want ErrReplay", err)
	}
}

func TestReorderingWithinWindow(t *testing.T) {
	alice, bob := establishPair(t, nil, nil)

	env0, err := alice.Encrypt("peer-bob", []byte("zero"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	env1, err := alice.Encrypt("peer-bob", []byte("one"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Deliver out of order.
	got1, err := bob.Decrypt("peer-alice", env1)
	if err != nil {
		t.Fatalf("Decrypt(one) failed: %v", err)
	}
	got0, err := bob.Decrypt("peer-alice", env0)
	if err != nil {
		t.Fatalf("Decrypt(zero) after reorder failed: %v", err)
	}

	if !bytes.Equal(got0, []byte("zero")) || !bytes.Equal(got1, []byte("one")) {
		t.Errorf("reordered plaintexts = %q, %q", got0, got1)
	}

	// The late frame is still single-use.
	if _, err := bob.Decrypt("peer-alice", env0); !errors.Is(err, ErrReplay) {
		t.Errorf("replay of reordered frame = %v, want ErrReplay", err)
	}
}

func TestTamperRejected(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(env *protocol.SecureEnvelope)
	}{
		{
			name:   "flipped ciphertext bit",
			mangle: func(env *protocol.SecureEnvelope) { env.Ciphertext[0] ^= 0x01 },
		},
		{
			name:   "flipped hmac bit",
			mangle: func(env *protocol.SecureEnvelope) { env.HMAC[0] ^= 0x80 },
		},
		{
			name:   "truncated hmac",
			mangle: func(env *protocol.SecureEnvelope) { env.HMAC = env.HMAC[:16] },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice, bob := establishPair(t, nil, nil)

			envelope, err := alice.Encrypt("peer-bob", []byte("integrity"))
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}

			var env protocol.SecureEnvelope
			if err := env.Decode(envelope); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			tt.mangle(&env)

			if _, err := bob.Decrypt("peer-alice", env.Encode()); !errors.Is(err, ErrAuthentication) {
				t.Errorf("tampered Decrypt = %v, want ErrAuthentication", err)
			}
		})
	}
}

func TestStaleMessageRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageAge = -time.Second // everything is older than this
	alice, bob := establishPair(t, DefaultConfig(), cfg)

	envelope, err := alice.Encrypt("peer-bob", []byte("late"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := bob.Decrypt("peer-alice", envelope); !errors.Is(err, ErrStale) {
		t.Errorf("stale Decrypt = %v, want ErrStale", err)
	}
}

func TestFutureTimestampRejected(t *testing.T) {
	alice, bob := establishPair(t, nil, nil)

	envelope, err := alice.Encrypt("peer-bob", []byte("soon"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// The timestamp sits outside the HMAC, so a relay can rewrite it;
	// one pushed past the skew allowance must not pass the freshness
	// check.
	var env protocol.SecureEnvelope
	if err := env.Decode(envelope); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	env.Timestamp += uint64((10 * time.Minute).Milliseconds())

	if _, err := bob.Decrypt("peer-alice", env.Encode()); !errors.Is(err, ErrStale) {
		t.Errorf("future-dated Decrypt = %v, want ErrStale", err)
	}
}

func TestMonotonicRatchet(t *testing.T) {
	alice, _ := establishPair(t, nil, nil)

	var last uint64
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		envelope, err := alice.Encrypt("peer-bob", []byte("tick"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		var env protocol.SecureEnvelope
		if err := env.Decode(envelope); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		if i > 0 && env.MessageNumber <= last {
			t.Fatalf("message number %d not strictly increasing after %d", env.MessageNumber, last)
		}
		last = env.MessageNumber

		// Distinct per-message keys produce distinct HMACs for the
		// same plaintext length; identical tags would mean key reuse.
		tag := string(env.HMAC)
		if seen[tag] {
			t.Fatal("HMAC tag repeated across ratchet steps")
		}
		seen[tag] = true
	}
}

func TestRekeyOnMessageCountLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageCount = 3
	alice, _ := establishPair(t, cfg, nil)

	for i := 0; i < 3; i++ {
		if _, err := alice.Encrypt("peer-bob", []byte("n")); err != nil {
			t.Fatalf("Encrypt %d failed: %v", i, err)
		}
	}

	// Counter hit the limit; the session is gone until a new handshake.
	if _, err := alice.Encrypt("peer-bob", []byte("n")); !errors.Is(err, ErrNoSession) {
		t.Errorf("Encrypt past limit = %v, want ErrNoSession", err)
	}
	if alice.Has("peer-bob") {
		t.Error("session survived the message-count limit")
	}
}

func TestRekeyOnSessionAgeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessionAge = -time.Second
	alice, _ := establishPair(t, cfg, nil)

	if _, err := alice.Encrypt("peer-bob", []byte("n")); !errors.Is(err, ErrNoSession) {
		t.Errorf("Encrypt on aged-out session = %v, want ErrNoSession", err)
	}
	if alice.Has("peer-bob") {
		t.Error("session survived the age limit")
	}
}

func TestHasDiscardsExpiredSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessionAge = -time.Second
	alice, _ := establishPair(t, cfg, nil)

	// Has answers like Encrypt would: an aged-out session counts as
	// absent, so the repair pass renegotiates instead of believing a
	// key it can no longer use.
	if alice.Has("peer-bob") {
		t.Error("Has reported an aged-out session as usable")
	}
	if len(alice.Sessions()) != 0 {
		t.Errorf("Sessions() = %d entries after expiry, want 0", len(alice.Sessions()))
	}
}

func TestDeviceIDLookup(t *testing.T) {
	alice, bob := establishPair(t, nil, nil)

	// Encrypt addressed by stable device id instead of transport id.
	envelope, err := alice.Encrypt("device-bob", []byte("via device id"))
	if err != nil {
		t.Fatalf("Encrypt by device id failed: %v", err)
	}

	got, err := bob.Decrypt("device-alice", envelope)
	if err != nil {
		t.Fatalf("Decrypt by device id failed: %v", err)
	}
	if !bytes.Equal(got, []byte("via device id")) {
		t.Errorf("plaintext = %q", got)
	}
}

func TestDeviceRemapDiscardsOldSession(t *testing.T) {
	alice, _ := establishPair(t, nil, nil)

	keys, err := crypto.DeriveSessionKeys(bytes.Repeat([]byte{0x01}, 32), "device-alice", "device-bob")
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}

	// Bob reconnects under a new transport id; the old mapping must go.
	alice.Establish("peer-bob-2", "device-bob", keys)

	if alice.Has("peer-bob") {
		t.Error("stale transport-id session survived device remap")
	}
	if !alice.Has("peer-bob-2") {
		t.Error("new session missing after device remap")
	}
	if !alice.Has("device-bob") {
		t.Error("device-id lookup broken after remap")
	}
}

func TestRemoveSession(t *testing.T) {
	alice, _ := establishPair(t, nil, nil)

	alice.Remove("peer-bob")

	if alice.Has("peer-bob") || alice.Has("device-bob") {
		t.Error("session still resolvable after Remove")
	}
	if len(alice.Sessions()) != 0 {
		t.Errorf("Sessions() = %d entries, want 0", len(alice.Sessions()))
	}
}
