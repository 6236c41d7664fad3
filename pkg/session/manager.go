// Package session implements the per-peer session cipher: AEAD
// encryption with HMAC authentication, a one-way per-message key
// ratchet, replay-window enforcement, and the dual message-count /
// key-age rekey limits. All per-peer state lives behind one mutex so a
// disconnect and an in-flight encrypt for the same peer cannot race.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aa-prime-studio/echomesh/pkg/crypto"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
)

var (
	ErrNoSession        = errors.New("no session key")
	ErrReplay           = errors.New("replayed or out-of-window message")
	ErrStale            = errors.New("message too old")
	ErrAuthentication   = errors.New("message authentication failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrTooManySkipped   = errors.New("message number too far ahead")
)

// Ratchet labels for the two key chains
const (
	ratchetEncLabel = "enc"
	ratchetMACLabel = "mac"
)

// maxSkipAhead bounds how far a single message may fast-forward the
// chain, limiting the work a forged counter can cause.
const maxSkipAhead = 1000

// maxClockSkew is how far ahead of local time an envelope timestamp may
// sit before it is rejected. The timestamp is sender-asserted, so this
// only needs to absorb honest clock drift.
const maxClockSkew = 2 * time.Minute

// Config holds the tunable session cipher policy.
type Config struct {
	// BacktrackWindow is how many message numbers behind the current
	// counter a frame may be and still decrypt (reordering tolerance).
	// Anything older is rejected as a replay.
	BacktrackWindow uint64

	// MaxMessageAge is the freshness window for received envelopes.
	MaxMessageAge time.Duration

	// MaxMessageCount forces a rekey after this many messages.
	MaxMessageCount uint64

	// MaxSessionAge forces a rekey after the key has lived this long.
	MaxSessionAge time.Duration
}

// DefaultConfig returns the default session cipher policy.
func DefaultConfig() *Config {
	return &Config{
		BacktrackWindow: 3,
		MaxMessageAge:   5 * time.Minute,
		MaxMessageCount: 10000,
		MaxSessionAge:   time.Hour,
	}
}

// session is the per-peer cryptographic state. It is usable only after
// a successful handshake installs it, and is discarded on disconnect,
// rekey-limit breach, or explicit removal.
type session struct {
	peerID        string // transport-level identifier
	deviceID      string // stable application-level identifier
	encryptionKey []byte
	hmacKey       []byte
	messageNumber uint64
	createdAt     time.Time

	// recent holds the key pairs for message numbers inside the
	// backtrack window that have not been consumed yet, so bounded
	// reordering still decrypts after the chain has moved on.
	recent map[uint64]*crypto.SessionKeys
}

// Info is a read-only snapshot of one session, for diagnostics.
type Info struct {
	PeerID        string    `json:"peer_id"`
	DeviceID      string    `json:"device_id"`
	MessageNumber uint64    `json:"message_number"`
	CreatedAt     time.Time `json:"created_at"`
}

// Manager owns the session-key table. Nothing outside this package
// mutates session state; the router and handshake go through these
// methods.
type Manager struct {
	mu       sync.Mutex
	cfg      *Config
	sessions map[string]*session // transport peer id -> session
	devices  map[string]string   // device id -> transport peer id
}

// NewManager creates a session manager with the given policy.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*session),
		devices:  make(map[string]string),
	}
}

// Establish installs a freshly derived session for a peer, replacing
// any previous one. At most one device-id mapping exists per peer: an
// older session reached under a different transport id for the same
// device is discarded.
func (m *Manager) Establish(peerID, deviceID string, keys *crypto.SessionKeys) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deviceID != "" {
		if oldPeer, ok := m.devices[deviceID]; ok && oldPeer != peerID {
			delete(m.sessions, oldPeer)
		}
		m.devices[deviceID] = peerID
	}

	m.sessions[peerID] = &session{
		peerID:        peerID,
		deviceID:      deviceID,
		encryptionKey: keys.EncryptionKey,
		hmacKey:       keys.HMACKey,
		createdAt:     time.Now(),
		recent:        make(map[uint64]*crypto.SessionKeys),
	}
}

// Has reports whether a usable session exists for the peer. A session
// past its rekey limits is discarded here, so the handshake and the
// repair pass see the same answer an Encrypt would give.
func (m *Manager) Has(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.resolve(peerID)
	if s == nil {
		return false
	}
	if m.expired(s) {
		m.remove(s.peerID)
		return false
	}
	return true
}

// Remove discards a peer's session and device mapping.
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(peerID)
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, Info{
			PeerID:        s.peerID,
			DeviceID:      s.deviceID,
			MessageNumber: s.messageNumber,
			CreatedAt:     s.createdAt,
		})
	}
	return infos
}

// Encrypt seals plaintext for a peer and returns the encoded secure
// envelope. The key chain ratchets forward after every message; once
// the counter or key age crosses a rekey limit the session is discarded
// and callers get ErrNoSession until a fresh handshake completes.
func (m *Manager) Encrypt(peerID string, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.resolve(peerID)
	if s == nil {
		return nil, fmt.Errorf("peer %s: %w", peerID, ErrNoSession)
	}
	if m.expired(s) {
		m.remove(s.peerID)
		return nil, fmt.Errorf("peer %s session exceeded rekey limit: %w", peerID, ErrNoSession)
	}

	ciphertext, err := crypto.AESEncrypt(plaintext, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("seal failed: %w", err)
	}

	env := &protocol.SecureEnvelope{
		Version:       protocol.EnvelopeVersion,
		MessageNumber: s.messageNumber,
		Timestamp:     uint64(time.Now().UnixMilli()),
		HMAC:          authenticate(ciphertext, s.hmacKey),
		Ciphertext:    ciphertext,
	}

	m.advance(s)

	if s.messageNumber >= m.cfg.MaxMessageCount {
		log.Printf("🔑 Session with %s hit the message-count limit, discarding", peerID)
		m.remove(s.peerID)
	}

	return env.Encode(), nil
}

// Decrypt opens an encoded secure envelope from a peer. The HMAC is
// verified before the AEAD seal is touched; replays and frames outside
// the freshness window are rejected. State only advances after a
// frame authenticates, so forged counters cannot desynchronize the
// chain.
func (m *Manager) Decrypt(peerID string, envelopeBytes []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.resolve(peerID)
	if s == nil {
		return nil, fmt.Errorf("peer %s: %w", peerID, ErrNoSession)
	}
	if m.expired(s) {
		m.remove(s.peerID)
		return nil, fmt.Errorf("peer %s session exceeded rekey limit: %w", peerID, ErrNoSession)
	}

	var env protocol.SecureEnvelope
	if err := env.Decode(envelopeBytes); err != nil {
		return nil, err
	}

	age := time.Since(time.UnixMilli(int64(env.Timestamp)))
	if age > m.cfg.MaxMessageAge {
		return nil, fmt.Errorf("message is %v old: %w", age.Truncate(time.Second), ErrStale)
	}
	if age < -maxClockSkew {
		return nil, fmt.Errorf("message timestamped %v ahead: %w", (-age).Truncate(time.Second), ErrStale)
	}

	if env.MessageNumber < s.messageNumber {
		return m.decryptBacktracked(s, &env)
	}
	return m.decryptForward(s, &env)
}

// decryptForward handles a frame at or ahead of the current counter.
// Keys for skipped numbers are computed into locals first and committed
// only after authentication succeeds.
func (m *Manager) decryptForward(s *session, env *protocol.SecureEnvelope) ([]byte, error) {
	if env.MessageNumber-s.messageNumber > maxSkipAhead {
		return nil, fmt.Errorf("counter jumped %d ahead: %w",
			env.MessageNumber-s.messageNumber, ErrTooManySkipped)
	}

	encKey, macKey := s.encryptionKey, s.hmacKey
	skipped := make(map[uint64]*crypto.SessionKeys)
	for num := s.messageNumber; num < env.MessageNumber; num++ {
		skipped[num] = &crypto.SessionKeys{EncryptionKey: encKey, HMACKey: macKey}
		encKey = crypto.RatchetKey(encKey, ratchetEncLabel, num)
		macKey = crypto.RatchetKey(macKey, ratchetMACLabel, num)
	}

	if !verifyHMAC(env.Ciphertext, env.HMAC, macKey) {
		return nil, ErrAuthentication
	}

	plaintext, err := crypto.AESDecrypt(env.Ciphertext, encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	// Commit: adopt the forwarded keys, remember the skipped ones, then
	// ratchet past the consumed message number.
	for num, keys := range skipped {
		s.recent[num] = keys
	}
	s.encryptionKey = encKey
	s.hmacKey = macKey
	s.messageNumber = env.MessageNumber
	m.advance(s)
	// The consumed number must not linger in the backtrack cache, or a
	// replay of this exact envelope would decrypt again.
	delete(s.recent, env.MessageNumber)

	if s.messageNumber >= m.cfg.MaxMessageCount {
		log.Printf("🔑 Session with %s hit the message-count limit, discarding", s.peerID)
		m.remove(s.peerID)
	}

	return plaintext, nil
}

// decryptBacktracked handles a frame behind the current counter using
// the bounded recent-key cache. A consumed or out-of-window number is a
// replay.
func (m *Manager) decryptBacktracked(s *session, env *protocol.SecureEnvelope) ([]byte, error) {
	if s.messageNumber-env.MessageNumber > m.cfg.BacktrackWindow {
		return nil, fmt.Errorf("message number %d (current %d): %w",
			env.MessageNumber, s.messageNumber, ErrReplay)
	}

	keys, ok := s.recent[env.MessageNumber]
	if !ok {
		return nil, fmt.Errorf("message number %d already consumed: %w", env.MessageNumber, ErrReplay)
	}

	if !verifyHMAC(env.Ciphertext, env.HMAC, keys.HMACKey) {
		return nil, ErrAuthentication
	}

	plaintext, err := crypto.AESDecrypt(env.Ciphertext, keys.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	delete(s.recent, env.MessageNumber)
	return plaintext, nil
}

// advance ratchets the key chain one step, caches the consumed keys for
// the backtrack window, and prunes entries that fell out of it.
func (m *Manager) advance(s *session) {
	s.recent[s.messageNumber] = &crypto.SessionKeys{
		EncryptionKey: s.encryptionKey,
		HMACKey:       s.hmacKey,
	}
	s.encryptionKey = crypto.RatchetKey(s.encryptionKey, ratchetEncLabel, s.messageNumber)
	s.hmacKey = crypto.RatchetKey(s.hmacKey, ratchetMACLabel, s.messageNumber)
	s.messageNumber++

	for num := range s.recent {
		if s.messageNumber-num > m.cfg.BacktrackWindow {
			delete(s.recent, num)
		}
	}
}

// resolve finds a session by transport peer id, falling back to the
// stable device-id mapping. Caller holds the lock.
func (m *Manager) resolve(id string) *session {
	if s, ok := m.sessions[id]; ok {
		return s
	}
	if peerID, ok := m.devices[id]; ok {
		return m.sessions[peerID]
	}
	return nil
}

// remove deletes a session and its device mapping. Caller holds the lock.
func (m *Manager) remove(id string) {
	s := m.resolve(id)
	if s == nil {
		return
	}
	if s.deviceID != "" && m.devices[s.deviceID] == s.peerID {
		delete(m.devices, s.deviceID)
	}
	delete(m.sessions, s.peerID)
}

// expired reports whether a session has outlived its rekey limits.
// Caller holds the lock.
func (m *Manager) expired(s *session) bool {
	return s.messageNumber >= m.cfg.MaxMessageCount || time.Since(s.createdAt) > m.cfg.MaxSessionAge
}
