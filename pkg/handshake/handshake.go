// Package handshake drives the per-peer key exchange that bootstraps a
// secure session: an ephemeral-static X25519 agreement carried over
// plain key-exchange frames, with bounded retries and exponential
// backoff. Completion is signaled through a channel, so callers wait on
// a notification instead of polling for a session key.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aa-prime-studio/echomesh/pkg/crypto"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
	"github.com/aa-prime-studio/echomesh/pkg/session"
)

var (
	ErrTimeout = errors.New("handshake timed out")
	ErrFailed  = errors.New("handshake failed")
)

// State is the per-peer handshake state.
type State int

const (
	StateNoSession State = iota
	StateRequestSent
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "noSession"
	case StateRequestSent:
		return "requestSent"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Config holds the handshake retry policy.
type Config struct {
	MaxAttempts     int           // Attempts before the peer is marked Failed
	ResponseTimeout time.Duration // Wait per attempt for the peer's response
	BackoffBase     time.Duration // First retry delay, doubled per attempt
}

// DefaultConfig returns the default handshake policy.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		ResponseTimeout: 5 * time.Second,
		BackoffBase:     time.Second,
	}
}

// SendFunc delivers an unencrypted frame payload of the given type to a
// peer. Key-exchange frames are never encrypted: they establish the
// keys.
type SendFunc func(peerID string, msgType protocol.MessageType, payload []byte) error

// Status is a read-only snapshot of one peer's handshake state.
type Status struct {
	PeerID     string    `json:"peer_id"`
	State      string    `json:"state"`
	RetryCount int       `json:"retry_count"`
	SentAt     time.Time `json:"sent_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// peerState tracks one peer's exchange. done is closed exactly once,
// when a session is installed for the peer, and replaced on reset.
type peerState struct {
	state      State
	retryCount int
	sentAt     time.Time
	reason     string
	ephemeral  *crypto.KeyPair
	done       chan struct{}
}

// Protocol is the handshake engine. It owns no transport: frames go out
// through the SendFunc the router provides, and inbound key-exchange
// frames are fed in by the router.
type Protocol struct {
	mu       sync.Mutex
	cfg      *Config
	localID  string          // This device's stable identifier
	identity *crypto.KeyPair // This device's static identity key
	sessions *session.Manager
	send     SendFunc
	peers    map[string]*peerState
}

// New creates a handshake protocol instance.
func New(cfg *Config, localID string, identity *crypto.KeyPair, sessions *session.Manager, send SendFunc) *Protocol {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Protocol{
		cfg:      cfg,
		localID:  localID,
		identity: identity,
		sessions: sessions,
		send:     send,
		peers:    make(map[string]*peerState),
	}
}

// Initiate performs the key exchange with a peer, retrying with
// exponential backoff up to the configured maximum. If a session
// already exists it is a no-op: no counters move, no key material is
// generated. A Failed result is not fatal; a later Initiate (for
// example from the periodic repair pass) starts over.
func (p *Protocol) Initiate(ctx context.Context, peerID string) error {
	if p.sessions.Has(peerID) {
		p.mu.Lock()
		p.statePtr(peerID).state = StateEstablished
		p.mu.Unlock()
		return nil
	}

	p.mu.Lock()
	st := p.statePtr(peerID)
	if st.state == StateRequestSent {
		// At most one live exchange per peer; ride along on it.
		done := st.done
		p.mu.Unlock()
		return p.await(ctx, peerID, done, p.waitBudget())
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("ephemeral key generation: %w", err)
	}
	st.state = StateRequestSent
	st.retryCount = 0
	st.sentAt = time.Now()
	st.reason = ""
	st.ephemeral = ephemeral
	// A previous exchange may have closed this channel; a fresh one
	// needs its own completion signal. An unclosed channel stays: other
	// callers may already be waiting on it.
	select {
	case <-st.done:
		st.done = make(chan struct{})
	default:
	}
	done := st.done
	p.mu.Unlock()

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if err := p.sendRequest(peerID, uint8(attempt), ephemeral); err != nil {
			log.Printf("⚠️  Key exchange send to %s failed: %v", peerID, err)
		}

		select {
		case <-done:
			return nil
		case <-time.After(p.cfg.ResponseTimeout):
		case <-ctx.Done():
			p.fail(peerID, "canceled")
			return ctx.Err()
		}

		p.mu.Lock()
		st = p.statePtr(peerID)
		if st.state == StateEstablished {
			p.mu.Unlock()
			return nil
		}
		st.retryCount = attempt + 1
		p.mu.Unlock()

		if attempt < p.cfg.MaxAttempts-1 {
			backoff := p.cfg.BackoffBase << uint(attempt)
			log.Printf("🔄 Key exchange with %s timed out, retrying in %v", peerID, backoff)
			select {
			case <-done:
				return nil
			case <-time.After(backoff):
			case <-ctx.Done():
				p.fail(peerID, "canceled")
				return ctx.Err()
			}
		}
	}

	p.fail(peerID, "no response after max attempts")
	return fmt.Errorf("peer %s: %w", peerID, ErrTimeout)
}

// WaitEstablished blocks until a session with the peer exists or the
// context ends, without starting an exchange of its own. Callers that
// need a session but do not own the handshake (say, a queue drain
// waiting for the connect-time exchange to finish) wait here instead
// of sleeping.
func (p *Protocol) WaitEstablished(ctx context.Context, peerID string) error {
	if p.sessions.Has(peerID) {
		return nil
	}

	p.mu.Lock()
	st := p.statePtr(peerID)
	if st.state == StateEstablished {
		p.mu.Unlock()
		return nil
	}
	done := st.done
	p.mu.Unlock()

	return p.await(ctx, peerID, done, p.waitBudget())
}

// HandleRequest processes an inbound key-exchange frame. Any request
// against an existing session gets AlreadyEstablished with no new key
// material: request fields are unauthenticated wire bytes, so nothing
// in them may replace a live session's keys or rewind its counter. On
// a cryptographic failure the peer gets an Error reply with a short
// diagnostic instead of silence.
func (p *Protocol) HandleRequest(peerID string, payload []byte) {
	var req protocol.KeyExchange
	if err := req.Decode(payload); err != nil {
		log.Printf("⚠️  Malformed key exchange from %s: %v", peerID, err)
		return
	}

	if p.sessions.Has(peerID) {
		p.respond(peerID, &protocol.KeyExchangeResponse{
			Status:    protocol.StatusAlreadyEstablished,
			Timestamp: uint32(time.Now().Unix()),
			SenderID:  p.localID,
			PublicKey: p.identity.PublicKey[:],
		})
		return
	}

	secret, err := crypto.SharedSecret(p.identity.PrivateKey, req.PublicKey)
	if err != nil {
		p.respondError(peerID, fmt.Sprintf("key agreement: %v", err))
		return
	}

	keys, err := crypto.DeriveSessionKeys(secret, p.localID, req.SenderID)
	if err != nil {
		p.respondError(peerID, fmt.Sprintf("key derivation: %v", err))
		return
	}

	p.sessions.Establish(peerID, req.SenderID, keys)
	p.markEstablished(peerID)
	log.Printf("🔐 Session established with %s (responder, attempt %d)", peerID, req.RetryCount)

	p.respond(peerID, &protocol.KeyExchangeResponse{
		Status:    protocol.StatusSuccess,
		Timestamp: uint32(time.Now().Unix()),
		SenderID:  p.localID,
		PublicKey: p.identity.PublicKey[:],
	})
}

// HandleResponse processes an inbound key-exchange response frame,
// mirroring the responder's derivation on Success.
func (p *Protocol) HandleResponse(peerID string, payload []byte) {
	var resp protocol.KeyExchangeResponse
	if err := resp.Decode(payload); err != nil {
		log.Printf("⚠️  Malformed key exchange response from %s: %v", peerID, err)
		return
	}

	switch resp.Status {
	case protocol.StatusSuccess:
		if p.sessions.Has(peerID) {
			// Crossed with an inbound request we already answered.
			p.markEstablished(peerID)
			return
		}

		p.mu.Lock()
		st := p.statePtr(peerID)
		ephemeral := st.ephemeral
		p.mu.Unlock()
		if ephemeral == nil {
			log.Printf("⚠️  Unsolicited key exchange response from %s", peerID)
			return
		}

		secret, err := crypto.SharedSecret(ephemeral.PrivateKey, resp.PublicKey)
		if err != nil {
			log.Printf("❌ Key agreement with %s failed: %v", peerID, err)
			return
		}
		keys, err := crypto.DeriveSessionKeys(secret, p.localID, resp.SenderID)
		if err != nil {
			log.Printf("❌ Key derivation with %s failed: %v", peerID, err)
			return
		}

		p.sessions.Establish(peerID, resp.SenderID, keys)
		p.markEstablished(peerID)
		log.Printf("🔐 Session established with %s (initiator)", peerID)

	case protocol.StatusAlreadyEstablished:
		// Idempotent: the peer kept its existing session. If we still
		// hold ours the exchange is complete. Without one the attempt
		// times out; recovery comes from a disconnect resetting both
		// ends or the peer's session aging past its rekey limit.
		if p.sessions.Has(peerID) {
			p.markEstablished(peerID)
		}

	case protocol.StatusError:
		// Leave the state as is; the in-flight attempt times out and
		// retries, or the periodic repair pass starts over.
		log.Printf("❌ Peer %s rejected key exchange: %s", peerID, resp.Err)

	default:
		log.Printf("⚠️  Unknown key exchange status %d from %s", resp.Status, peerID)
	}
}

// Reset clears a peer's handshake state and session, typically on
// disconnect. A later discovery/connect starts from NoSession.
func (p *Protocol) Reset(peerID string) {
	p.sessions.Remove(peerID)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, peerID)
}

// PeerState returns a peer's current handshake state.
func (p *Protocol) PeerState(peerID string) State {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.peers[peerID]
	if !ok {
		return StateNoSession
	}
	return st.state
}

// Statuses returns a snapshot of every tracked peer, for diagnostics.
func (p *Protocol) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.peers))
	for peerID, st := range p.peers {
		out = append(out, Status{
			PeerID:     peerID,
			State:      st.state.String(),
			RetryCount: st.retryCount,
			SentAt:     st.sentAt,
			Reason:     st.reason,
		})
	}
	return out
}

// await blocks until an exchange someone else started finishes.
func (p *Protocol) await(ctx context.Context, peerID string, done chan struct{}, budget time.Duration) error {
	select {
	case <-done:
		return nil
	case <-time.After(budget):
		return fmt.Errorf("peer %s: %w", peerID, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitBudget is the worst-case duration of a full retry cycle.
func (p *Protocol) waitBudget() time.Duration {
	budget := time.Duration(p.cfg.MaxAttempts) * p.cfg.ResponseTimeout
	for i := 0; i < p.cfg.MaxAttempts-1; i++ {
		budget += p.cfg.BackoffBase << uint(i)
	}
	return budget
}

func (p *Protocol) sendRequest(peerID string, retryCount uint8, ephemeral *crypto.KeyPair) error {
	req := &protocol.KeyExchange{
		RetryCount: retryCount,
		Timestamp:  uint32(time.Now().Unix()),
		SenderID:   p.localID,
		PublicKey:  ephemeral.PublicKey[:],
	}
	payload, err := req.Encode()
	if err != nil {
		return err
	}
	return p.send(peerID, protocol.TypeKeyExchange, payload)
}

func (p *Protocol) respond(peerID string, resp *protocol.KeyExchangeResponse) {
	payload, err := resp.Encode()
	if err != nil {
		log.Printf("⚠️  Failed to encode key exchange response: %v", err)
		return
	}
	if err := p.send(peerID, protocol.TypeKeyExchangeResponse, payload); err != nil {
		log.Printf("⚠️  Failed to send key exchange response to %s: %v", peerID, err)
	}
}

func (p *Protocol) respondError(peerID, diagnostic string) {
	log.Printf("❌ Key exchange with %s failed: %s", peerID, diagnostic)
	p.respond(peerID, &protocol.KeyExchangeResponse{
		Status:    protocol.StatusError,
		Timestamp: uint32(time.Now().Unix()),
		SenderID:  p.localID,
		Err:       diagnostic,
	})
}

// markEstablished flips a peer to Established and wakes every waiter.
func (p *Protocol) markEstablished(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.statePtr(peerID)
	if st.state != StateEstablished {
		st.state = StateEstablished
		close(st.done)
	}
}

func (p *Protocol) fail(peerID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.statePtr(peerID)
	if st.state == StateEstablished {
		return
	}
	st.state = StateFailed
	st.reason = reason
	st.ephemeral = nil
}

// statePtr returns the tracked state for a peer, creating it in
// NoSession if needed. Caller holds the lock.
func (p *Protocol) statePtr(peerID string) *peerState {
	st, ok := p.peers[peerID]
	if !ok {
		st = &peerState{state: StateNoSession, done: make(chan struct{})}
		p.peers[peerID] = st
	}
	return st
}
