// Package mesh manages the peer lifecycle on top of an opaque transport
// and routes decoded frames to their consumers. It owns the only shared
// mutable connection state in the system: the discovered/connected peer
// table with its attempt and retry bookkeeping, all guarded by one
// mutex so check-then-act sequences ("already attempting", "still
// connected") are atomic.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aa-prime-studio/echomesh/pkg/handshake"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
	"github.com/aa-prime-studio/echomesh/pkg/session"
	"github.com/aa-prime-studio/echomesh/pkg/transport"
)

// ConnectionState is the managed view of one peer.
type ConnectionState int

const (
	StateDiscovered ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// Config holds the connection lifecycle policy.
type Config struct {
	MaxPeers             int           // Concurrent connection ceiling
	ConnectTimeout       time.Duration // Per connection attempt
	AttemptSafetyTimeout time.Duration // Clears a stuck in-flight marker
	MaxReconnectAttempts int           // Reconnects before a peer is unreachable
	ReconnectBackoffBase time.Duration // First reconnect delay, doubled per try
	RepairInterval       time.Duration // Session self-heal cadence
}

// DefaultConfig returns the default lifecycle policy.
func DefaultConfig() *Config {
	return &Config{
		MaxPeers:             8,
		ConnectTimeout:       10 * time.Second,
		AttemptSafetyTimeout: 15 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectBackoffBase: 2 * time.Second,
		RepairInterval:       30 * time.Second,
	}
}

// peerInfo is the per-peer bookkeeping. Owned by the Manager, mutated
// only under its mutex.
type peerInfo struct {
	state           ConnectionState
	discovered      bool
	attemptInFlight bool
	retryCount      int
	retryPending    bool
}

// PeerInfo is a read-only snapshot of one tracked peer.
type PeerInfo struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	RetryCount int    `json:"retry_count"`
	Discovered bool   `json:"discovered"`
}

// Manager is the connection lifecycle manager. It consumes transport
// events, keeps connection attempts bounded and non-duplicating, runs
// the periodic session repair pass, and emits typed lifecycle events.
type Manager struct {
	cfg      *Config
	tr       transport.Transport
	sessions *session.Manager

	// Set in Start; the handshake needs the Manager's SendFrame and
	// the Manager drives handshakes, so wiring is two-phase.
	hs     *handshake.Protocol
	router *Router

	mu    sync.Mutex
	peers map[string]*peerInfo

	// The event channel has untracked producers (connect attempts,
	// reconnect timers), so Stop and emit coordinate through eventsMu
	// the same way the transport's Close and emit helpers do.
	eventsMu     sync.Mutex
	eventsClosed bool
	events       chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a lifecycle manager over a transport.
func NewManager(cfg *Config, tr transport.Transport, sessions *session.Manager) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		tr:       tr,
		sessions: sessions,
		peers:    make(map[string]*peerInfo),
		events:   make(chan Event, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start wires the handshake protocol and router in and launches the
// event and repair loops.
func (m *Manager) Start(hs *handshake.Protocol, router *Router) {
	m.hs = hs
	m.router = router

	m.wg.Add(2)
	go m.eventLoop()
	go m.repairLoop()
}

// Stop shuts the manager down. The transport itself is closed by its
// owner.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()

	m.eventsMu.Lock()
	m.eventsClosed = true
	close(m.events)
	m.eventsMu.Unlock()
}

// Events is the typed lifecycle event stream for external consumers.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Peers returns a snapshot of every tracked peer.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerInfo, 0, len(m.peers))
	for id, p := range m.peers {
		out = append(out, PeerInfo{
			ID:         id,
			State:      p.state.String(),
			RetryCount: p.retryCount,
			Discovered: p.discovered,
		})
	}
	return out
}

// ConnectedPeers returns the ids of all currently connected peers.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, p := range m.peers {
		if p.state == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// SendFrame wraps a payload in a wire frame and hands it to the
// transport, re-validating that the peer is still connected first —
// connection state can change between a caller's decision and the
// send. A transport-level "not connected" is informational: the
// connection table re-synchronizes instead of escalating.
func (m *Manager) SendFrame(peerID string, msgType protocol.MessageType, payload []byte) error {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	connected := ok && p.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return fmt.Errorf("peer %s: %w", peerID, transport.ErrNotConnected)
	}

	err := m.tr.Send(peerID, protocol.EncodeFrame(msgType, payload))
	if errors.Is(err, transport.ErrNotConnected) {
		log.Printf("🔄 Send to %s found a dead link, re-syncing state", peerID)
		m.handleDisconnected(peerID)
	}
	return err
}

// eventLoop consumes the transport's discovery, state, and inbound
// streams. All frame dispatch happens here, one frame at a time.
func (m *Manager) eventLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case ev, ok := <-m.tr.DiscoveryEvents():
			if !ok {
				return
			}
			if ev.Found {
				m.handlePeerFound(ev.PeerID)
			} else {
				m.handlePeerLost(ev.PeerID)
			}

		case ev, ok := <-m.tr.StateEvents():
			if !ok {
				return
			}
			switch ev.State {
			case transport.StateConnected:
				m.handleConnected(ev.PeerID)
			case transport.StateNotConnected:
				m.handleDisconnected(ev.PeerID)
			case transport.StateConnecting:
				m.markConnecting(ev.PeerID)
			}

		case in, ok := <-m.tr.Inbound():
			if !ok {
				return
			}
			m.router.OnBytesReceived(in.PeerID, in.Data)
		}
	}
}

// handlePeerFound starts at most one connection attempt for a newly
// discovered peer. Self, already-connected, already-attempting, and
// over-capacity peers are ignored.
func (m *Manager) handlePeerFound(peerID string) {
	if peerID == m.tr.LocalID() {
		return
	}

	m.mu.Lock()
	p := m.peerLocked(peerID)
	p.discovered = true

	if p.state == StateConnected || p.state == StateConnecting || p.attemptInFlight {
		m.mu.Unlock()
		return
	}
	if m.connectedCountLocked() >= m.cfg.MaxPeers {
		m.mu.Unlock()
		log.Printf("⚠️  Peer %s discovered but connection limit reached", peerID)
		return
	}

	p.attemptInFlight = true
	p.state = StateConnecting
	m.mu.Unlock()

	log.Printf("📡 Peer discovered: %s, connecting", peerID)
	go m.attemptConnect(peerID)
}

// attemptConnect dials a peer with a timeout. A safety timer clears the
// in-flight marker even if the transport never calls back, so the peer
// cannot get permanently stuck.
func (m *Manager) attemptConnect(peerID string) {
	safety := time.AfterFunc(m.cfg.AttemptSafetyTimeout, func() {
		m.mu.Lock()
		p, ok := m.peers[peerID]
		stuck := ok && p.attemptInFlight && p.state != StateConnected
		if stuck {
			p.attemptInFlight = false
			p.state = StateDiscovered
		}
		m.mu.Unlock()
		if stuck {
			log.Printf("⚠️  Connection attempt to %s stuck, cleared in-flight marker", peerID)
		}
	})

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := m.tr.Connect(ctx, peerID); err != nil {
		safety.Stop()
		log.Printf("❌ Connect to %s failed: %v", peerID, err)
		m.mu.Lock()
		p := m.peerLocked(peerID)
		p.attemptInFlight = false
		p.state = StateDisconnected
		m.mu.Unlock()
		m.scheduleReconnect(peerID)
	}
	// Success arrives as a transport state event; handleConnected does
	// the bookkeeping there. The safety timer stays armed for that
	// window and clears the marker if the event never comes.
}

// handleConnected updates the connected set and hands the peer to the
// handshake protocol. Duplicate connect callbacks are no-ops.
func (m *Manager) handleConnected(peerID string) {
	m.mu.Lock()
	p := m.peerLocked(peerID)
	if p.state == StateConnected {
		m.mu.Unlock()
		return
	}
	p.state = StateConnected
	p.attemptInFlight = false
	p.retryCount = 0
	p.retryPending = false
	m.mu.Unlock()

	log.Printf("✅ Peer connected: %s", peerID)
	m.emit(Event{Type: EventPeerConnected, PeerID: peerID})

	// Both ends see the connect; the lower id initiates so fresh
	// exchanges never cross. The other end answers requests and is
	// backstopped by the repair pass.
	if m.tr.LocalID() < peerID {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.hs.Initiate(m.ctx, peerID); err != nil {
				log.Printf("❌ Handshake with %s failed: %v", peerID, err)
				m.emit(Event{Type: EventHandshakeFailed, PeerID: peerID, Reason: err.Error()})
			}
		}()
	}
}

// handleDisconnected clears the peer's link, session, and handshake
// state, then schedules bounded reconnects. A peer already absent from
// the connected set produces no duplicate side effects.
func (m *Manager) handleDisconnected(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok || p.state != StateConnected {
		// Not in the connected set. Still clear a dangling attempt so
		// a failed dial can retry.
		if ok && p.attemptInFlight {
			p.attemptInFlight = false
			p.state = StateDisconnected
			m.mu.Unlock()
			m.scheduleReconnect(peerID)
			return
		}
		m.mu.Unlock()
		return
	}
	p.state = StateDisconnected
	m.mu.Unlock()

	log.Printf("👋 Peer disconnected: %s", peerID)
	m.hs.Reset(peerID)
	m.emit(Event{Type: EventPeerDisconnected, PeerID: peerID})
	m.scheduleReconnect(peerID)
}

// handlePeerLost marks a peer undiscovered and evicts it once it has
// no connection and no pending retry budget.
func (m *Manager) handlePeerLost(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[peerID]
	if !ok {
		return
	}
	p.discovered = false

	if p.state != StateConnected && !p.attemptInFlight && !p.retryPending {
		delete(m.peers, peerID)
		log.Printf("🗑  Peer evicted: %s", peerID)
	}
}

func (m *Manager) markConnecting(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.peerLocked(peerID)
	if p.state != StateConnected {
		p.state = StateConnecting
	}
}

// scheduleReconnect arms one delayed reconnect attempt with exponential
// backoff. The timer re-checks discoverability and connection state
// before dialing, so it cannot race the transport's own reconnection.
func (m *Manager) scheduleReconnect(peerID string) {
	m.mu.Lock()
	p := m.peerLocked(peerID)

	if p.retryPending {
		m.mu.Unlock()
		return
	}
	if p.retryCount >= m.cfg.MaxReconnectAttempts {
		discovered := p.discovered
		if !discovered {
			delete(m.peers, peerID)
		}
		m.mu.Unlock()
		log.Printf("❌ Peer %s unreachable after %d attempts", peerID, m.cfg.MaxReconnectAttempts)
		m.emit(Event{Type: EventPeerUnreachable, PeerID: peerID, Reason: "reconnect attempts exhausted"})
		return
	}

	p.retryCount++
	p.retryPending = true
	attempt := p.retryCount
	backoff := m.cfg.ReconnectBackoffBase << uint(attempt-1)
	m.mu.Unlock()

	log.Printf("🔄 Reconnecting to %s in %v (attempt %d/%d)",
		peerID, backoff, attempt, m.cfg.MaxReconnectAttempts)

	time.AfterFunc(backoff, func() {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		p, ok := m.peers[peerID]
		if !ok {
			m.mu.Unlock()
			return
		}
		p.retryPending = false
		if !p.discovered || p.state == StateConnected || p.attemptInFlight {
			m.mu.Unlock()
			return
		}
		p.attemptInFlight = true
		p.state = StateConnecting
		m.mu.Unlock()

		m.attemptConnect(peerID)
	})
}

// repairLoop periodically re-initiates handshakes for connected peers
// without sessions and discards sessions whose peers are gone. This
// self-heals state lost to transient failures without error plumbing
// at every call site. Session loss is symmetric in practice: a
// disconnect resets both ends, and rekey expiry trips both sides of
// the shared counter together, so the sessionless higher-id side can
// rely on the lower id's next tick.
func (m *Manager) repairLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RepairInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		connected := m.ConnectedPeers()
		connectedSet := make(map[string]bool, len(connected))
		for _, peerID := range connected {
			connectedSet[peerID] = true
			// Same election as on connect: only the lower id initiates,
			// so two repair ticks cannot start crossing exchanges.
			if !m.sessions.Has(peerID) && m.tr.LocalID() < peerID {
				log.Printf("🔧 Repair: peer %s has no session, re-initiating handshake", peerID)
				go func(id string) {
					if err := m.hs.Initiate(m.ctx, id); err != nil {
						log.Printf("❌ Repair handshake with %s failed: %v", id, err)
					}
				}(peerID)
			}
		}

		for _, info := range m.sessions.Sessions() {
			if !connectedSet[info.PeerID] {
				log.Printf("🔧 Repair: dropping session for disconnected peer %s", info.PeerID)
				m.sessions.Remove(info.PeerID)
			}
		}
	}
}

// emit sends under eventsMu so Stop cannot close the channel mid-send.
// Slow consumers lose events rather than stalling the mesh.
func (m *Manager) emit(ev Event) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// peerLocked returns the tracked entry for a peer, creating it if
// needed. Caller holds the lock.
func (m *Manager) peerLocked(peerID string) *peerInfo {
	p, ok := m.peers[peerID]
	if !ok {
		p = &peerInfo{state: StateDiscovered}
		m.peers[peerID] = p
	}
	return p
}

func (m *Manager) connectedCountLocked() int {
	count := 0
	for _, p := range m.peers {
		if p.state == StateConnected || p.state == StateConnecting {
			count++
		}
	}
	return count
}
