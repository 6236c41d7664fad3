package mesh

// EventType classifies lifecycle events surfaced to external
// collaborators.
type EventType int

const (
	// EventPeerConnected fires once per established link.
	EventPeerConnected EventType = iota

	// EventPeerDisconnected fires once per lost link.
	EventPeerDisconnected

	// EventPeerUnreachable fires after the reconnect budget for a peer
	// is exhausted. The mesh keeps running for everyone else.
	EventPeerUnreachable

	// EventHandshakeFailed fires when a key exchange gives up. A later
	// repair pass may still recover the peer.
	EventHandshakeFailed
)

func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "peerConnected"
	case EventPeerDisconnected:
		return "peerDisconnected"
	case EventPeerUnreachable:
		return "peerUnreachable"
	case EventHandshakeFailed:
		return "handshakeFailed"
	default:
		return "invalid"
	}
}

// Event is one lifecycle notification. Consumers subscribe through
// Manager.Events instead of registering callbacks.
type Event struct {
	Type   EventType
	PeerID string
	Reason string
}
