package transport

import (
	"context"
	"fmt"
	"sync"
)

// Bus is an in-memory rendezvous for Loopback transports. It exists for
// tests and local experiments: nodes that Join see each other through
// discovery events exactly like mDNS peers would.
type Bus struct {
	mu    sync.Mutex
	nodes map[string]*Loopback
}

// NewBus creates an empty loopback bus.
func NewBus() *Bus {
	return &Bus{nodes: make(map[string]*Loopback)}
}

// Join adds a node to the bus and announces it to every other node.
func (b *Bus) Join(id string) *Loopback {
	n := &Loopback{
		bus:         b,
		id:          id,
		discoveryCh: make(chan DiscoveryEvent, eventBuffer),
		stateCh:     make(chan StateEvent, eventBuffer),
		inboundCh:   make(chan Inbound, eventBuffer),
		connected:   make(map[string]bool),
	}

	b.mu.Lock()
	for otherID, other := range b.nodes {
		other.emitDiscovery(DiscoveryEvent{PeerID: id, Found: true})
		n.emitDiscovery(DiscoveryEvent{PeerID: otherID, Found: true})
	}
	b.nodes[id] = n
	b.mu.Unlock()

	return n
}

// Leave removes a node: every live link drops and the node is announced
// lost to the others.
func (b *Bus) Leave(id string) {
	b.mu.Lock()
	n, ok := b.nodes[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.nodes, id)
	others := make([]*Loopback, 0, len(b.nodes))
	for _, other := range b.nodes {
		others = append(others, other)
	}
	b.mu.Unlock()

	for _, other := range others {
		other.dropLink(id)
		other.emitDiscovery(DiscoveryEvent{PeerID: id, Found: false})
	}
	n.Close()
}

func (b *Bus) lookup(id string) *Loopback {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodes[id]
}

// Loopback is an in-memory Transport. Delivery is immediate and
// reliable unless DropSends is set, which simulates a link that eats
// every message.
type Loopback struct {
	bus *Bus
	id  string

	discoveryCh chan DiscoveryEvent
	stateCh     chan StateEvent
	inboundCh   chan Inbound

	mu        sync.Mutex
	connected map[string]bool
	closed    bool

	// DropSends makes Send succeed without delivering, for tests that
	// need a black-hole link.
	DropSends bool
}

func (n *Loopback) LocalID() string                        { return n.id }
func (n *Loopback) DiscoveryEvents() <-chan DiscoveryEvent { return n.discoveryCh }
func (n *Loopback) StateEvents() <-chan StateEvent         { return n.stateCh }
func (n *Loopback) Inbound() <-chan Inbound                { return n.inboundCh }

// Connect links both nodes and emits Connected on each side.
func (n *Loopback) Connect(_ context.Context, peerID string) error {
	other := n.bus.lookup(peerID)
	if other == nil {
		return fmt.Errorf("peer %s not on bus: %w", peerID, ErrNotConnected)
	}

	n.mu.Lock()
	n.connected[peerID] = true
	n.mu.Unlock()
	other.mu.Lock()
	other.connected[n.id] = true
	other.mu.Unlock()

	n.emitState(StateEvent{PeerID: peerID, State: StateConnected})
	other.emitState(StateEvent{PeerID: n.id, State: StateConnected})
	return nil
}

// Disconnect drops the link from both sides.
func (n *Loopback) Disconnect(peerID string) error {
	n.dropLink(peerID)
	if other := n.bus.lookup(peerID); other != nil {
		other.dropLink(n.id)
	}
	return nil
}

// Send delivers one whole message to a connected peer.
func (n *Loopback) Send(peerID string, data []byte) error {
	n.mu.Lock()
	connected := n.connected[peerID]
	drop := n.DropSends
	n.mu.Unlock()

	if !connected {
		return fmt.Errorf("peer %s: %w", peerID, ErrNotConnected)
	}
	if drop {
		return nil
	}

	other := n.bus.lookup(peerID)
	if other == nil {
		return fmt.Errorf("peer %s: %w", peerID, ErrNotConnected)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	other.emitInbound(Inbound{PeerID: n.id, Data: buf})
	return nil
}

// Close shuts the node down and closes its event streams.
func (n *Loopback) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.discoveryCh)
	close(n.stateCh)
	close(n.inboundCh)
	return nil
}

// dropLink clears the connected flag and emits NotConnected, once.
func (n *Loopback) dropLink(peerID string) {
	n.mu.Lock()
	wasConnected := n.connected[peerID]
	delete(n.connected, peerID)
	n.mu.Unlock()

	if wasConnected {
		n.emitState(StateEvent{PeerID: peerID, State: StateNotConnected})
	}
}

func (n *Loopback) emitDiscovery(ev DiscoveryEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.discoveryCh <- ev:
	default:
	}
}

func (n *Loopback) emitState(ev StateEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.stateCh <- ev:
	default:
	}
}

func (n *Loopback) emitInbound(ev Inbound) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.inboundCh <- ev:
	default:
	}
}
