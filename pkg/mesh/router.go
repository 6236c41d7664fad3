package mesh

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/aa-prime-studio/echomesh/pkg/handshake"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
	"github.com/aa-prime-studio/echomesh/pkg/session"
)

// Handler consumes one decrypted (or plaintext, for non-confidential
// types) payload from a peer.
type Handler func(payload []byte, senderID string)

// Router decodes inbound frames, applies the per-type encryption
// policy, and dispatches payloads to registered handlers. Malformed
// frames are dropped; a frame that cannot be parsed is never partially
// processed.
type Router struct {
	hs       *handshake.Protocol
	sessions *session.Manager
	sender   FrameSender

	mu       sync.RWMutex
	handlers map[protocol.MessageType]Handler
}

// FrameSender delivers an encoded frame to a connected peer. Satisfied
// by (*Manager).SendFrame.
type FrameSender interface {
	SendFrame(peerID string, msgType protocol.MessageType, payload []byte) error
}

// NewRouter creates a router over a handshake protocol, a session
// manager, and a frame sender.
func NewRouter(hs *handshake.Protocol, sessions *session.Manager, sender FrameSender) *Router {
	return &Router{
		hs:       hs,
		sessions: sessions,
		sender:   sender,
		handlers: make(map[protocol.MessageType]Handler),
	}
}

// Handle registers the handler for a message type, replacing any
// previous one.
func (r *Router) Handle(msgType protocol.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// confidential reports whether a message type's payload travels inside
// a secure envelope. Key exchange frames bootstrap the session and are
// never wrapped; topology and system frames are mesh-visible metadata.
func confidential(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeSignal, protocol.TypeEmergency, protocol.TypeChat, protocol.TypeGame:
		return true
	default:
		return false
	}
}

// OnBytesReceived is the single entry point for raw inbound bytes.
// Undecodable data is dropped before any state is touched.
func (r *Router) OnBytesReceived(senderID string, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Printf("⚠️  Dropping undecodable frame from %s: %v", senderID, err)
		return
	}

	switch frame.Type {
	case protocol.TypeKeyExchange:
		r.hs.HandleRequest(senderID, frame.Payload)
		return
	case protocol.TypeKeyExchangeResponse:
		r.hs.HandleResponse(senderID, frame.Payload)
		return
	}

	if !frame.Type.Known() {
		log.Printf("⚠️  Dropping frame with unknown type %s from %s", frame.Type, senderID)
		return
	}

	payload := frame.Payload
	if confidential(frame.Type) {
		payload, err = r.sessions.Decrypt(senderID, frame.Payload)
		if err != nil {
			// Crypto failures on a single frame are not fatal to the
			// session; the periodic repair pass re-handshakes if the
			// session is actually gone.
			log.Printf("🔒 Dropping %s frame from %s: %v", frame.Type, senderID, err)
			return
		}
	}

	r.mu.RLock()
	h, ok := r.handlers[frame.Type]
	r.mu.RUnlock()
	if !ok {
		log.Printf("⚠️  No handler for %s frame from %s", frame.Type, senderID)
		return
	}
	h(payload, senderID)
}

// Send applies the per-type encryption policy and delivers one payload
// to a peer. Confidential types require an established session.
func (r *Router) Send(peerID string, msgType protocol.MessageType, payload []byte) error {
	if confidential(msgType) {
		sealed, err := r.sessions.Encrypt(peerID, payload)
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				return fmt.Errorf("send %s to %s: %w", msgType, peerID, err)
			}
			return fmt.Errorf("encrypt %s for %s: %w", msgType, peerID, err)
		}
		payload = sealed
	}
	return r.sender.SendFrame(peerID, msgType, payload)
}
