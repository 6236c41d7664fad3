// Package transport defines the narrow interface the mesh core consumes
// for peer discovery and byte delivery, plus two implementations: a
// libp2p adapter with mDNS local discovery, and an in-memory loopback
// for tests. The core treats any Transport as an unreliable,
// at-least-once, possibly-reordering byte pipe and assumes nothing
// about encryption, ordering, or delivery confirmation.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrSendFailed   = errors.New("send failed")
	ErrClosed       = errors.New("transport closed")
)

// ConnState is the transport's view of a peer link.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateNotConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateNotConnected:
		return "notConnected"
	default:
		return "invalid"
	}
}

// DiscoveryEvent reports a peer appearing on or vanishing from the
// local link.
type DiscoveryEvent struct {
	PeerID string
	Found  bool // true = PeerFound, false = PeerLost
}

// StateEvent reports a connection state change for a peer.
type StateEvent struct {
	PeerID string
	State  ConnState
}

// Inbound is one whole received message. The transport delivers whole
// messages, possibly duplicated, possibly out of order.
type Inbound struct {
	PeerID string
	Data   []byte
}

// Transport is the peer-discovery/byte-delivery collaborator. Each
// event stream is owned by the transport and closed on Close.
type Transport interface {
	// LocalID returns this node's transport-level identifier.
	LocalID() string

	// DiscoveryEvents streams PeerFound/PeerLost events.
	DiscoveryEvents() <-chan DiscoveryEvent

	// StateEvents streams per-peer connection state changes.
	StateEvents() <-chan StateEvent

	// Inbound streams received messages.
	Inbound() <-chan Inbound

	// Connect dials a discovered peer. The context bounds the attempt.
	Connect(ctx context.Context, peerID string) error

	// Disconnect tears down the link to a peer.
	Disconnect(peerID string) error

	// Send delivers one whole message to a connected peer. Returns
	// ErrNotConnected when the link is gone and ErrSendFailed on
	// transport-level write errors.
	Send(peerID string, data []byte) error

	// Close shuts the transport down and closes the event streams.
	Close() error
}
