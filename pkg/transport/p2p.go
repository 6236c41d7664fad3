package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
)

const (
	// Stream protocol for whole-message frames
	meshProtocolID = "/echomesh/frame/1.0.0"

	// mDNS service tag for local-link discovery
	mdnsServiceTag = "echomesh-local"

	// A discovered peer not re-announced within this window is lost.
	discoveryTTL = 30 * time.Second

	eventBuffer = 64
)

// P2PConfig configures the libp2p transport.
type P2PConfig struct {
	Port int // TCP listen port, 0 for a random port
}

// P2P is the libp2p-backed Transport: mDNS discovery on the local link,
// one stream per outbound frame, whole-message reads on inbound
// streams.
type P2P struct {
	host host.Host
	mdns mdns.Service

	discoveryCh chan DiscoveryEvent
	stateCh     chan StateEvent
	inboundCh   chan Inbound

	mu       sync.Mutex
	known    map[peer.ID]peer.AddrInfo // discovered peers and their addrs
	lastSeen map[peer.ID]time.Time
	closed   bool

	cancel context.CancelFunc
}

// NewP2P creates and starts a libp2p transport.
func NewP2P(cfg *P2PConfig) (*P2P, error) {
	if cfg == nil {
		cfg = &P2PConfig{}
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &P2P{
		host:        h,
		discoveryCh: make(chan DiscoveryEvent, eventBuffer),
		stateCh:     make(chan StateEvent, eventBuffer),
		inboundCh:   make(chan Inbound, eventBuffer),
		known:       make(map[peer.ID]peer.AddrInfo),
		lastSeen:    make(map[peer.ID]time.Time),
		cancel:      cancel,
	}

	h.SetStreamHandler(meshProtocolID, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			t.emitState(StateEvent{PeerID: c.RemotePeer().String(), State: StateConnected})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			t.emitState(StateEvent{PeerID: c.RemotePeer().String(), State: StateNotConnected})
		},
	})

	svc := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{t: t})
	if err := svc.Start(); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to start mDNS discovery: %w", err)
	}
	t.mdns = svc

	go t.sweepLost(ctx)

	log.Printf("📡 Transport up: id=%s addrs=%v", h.ID(), h.Addrs())
	return t, nil
}

// mdnsNotifee feeds mDNS discoveries into the transport.
type mdnsNotifee struct {
	t *P2P
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	n.t.peerFound(info)
}

func (t *P2P) peerFound(info peer.AddrInfo) {
	if info.ID == t.host.ID() {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	_, known := t.known[info.ID]
	t.known[info.ID] = info
	t.lastSeen[info.ID] = time.Now()
	t.mu.Unlock()

	if !known {
		t.emitDiscovery(DiscoveryEvent{PeerID: info.ID.String(), Found: true})
	}
}

// sweepLost drops discovered peers that stopped announcing.
func (t *P2P) sweepLost(ctx context.Context) {
	ticker := time.NewTicker(discoveryTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var lost []peer.ID
		t.mu.Lock()
		for id, seen := range t.lastSeen {
			if time.Since(seen) > discoveryTTL {
				delete(t.known, id)
				delete(t.lastSeen, id)
				lost = append(lost, id)
			}
		}
		t.mu.Unlock()

		for _, id := range lost {
			t.emitDiscovery(DiscoveryEvent{PeerID: id.String(), Found: false})
		}
	}
}

func (t *P2P) handleStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(s)
	if err != nil {
		log.Printf("⚠️  Stream read from %s failed: %v", s.Conn().RemotePeer(), err)
		return
	}
	if len(data) == 0 {
		return
	}

	t.emitInbound(Inbound{PeerID: s.Conn().RemotePeer().String(), Data: data})
}

// LocalID returns the libp2p peer ID string.
func (t *P2P) LocalID() string {
	return t.host.ID().String()
}

func (t *P2P) DiscoveryEvents() <-chan DiscoveryEvent { return t.discoveryCh }
func (t *P2P) StateEvents() <-chan StateEvent         { return t.stateCh }
func (t *P2P) Inbound() <-chan Inbound                { return t.inboundCh }

// Connect dials a previously discovered peer.
func (t *P2P) Connect(ctx context.Context, peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("bad peer id %q: %w", peerID, err)
	}

	t.mu.Lock()
	info, ok := t.known[pid]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("peer %s not discovered: %w", peerID, ErrNotConnected)
	}

	t.emitState(StateEvent{PeerID: peerID, State: StateConnecting})
	if err := t.host.Connect(ctx, info); err != nil {
		t.emitState(StateEvent{PeerID: peerID, State: StateNotConnected})
		return fmt.Errorf("connect to %s: %w", peerID, err)
	}
	return nil
}

// Disconnect closes every connection to the peer.
func (t *P2P) Disconnect(peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("bad peer id %q: %w", peerID, err)
	}
	return t.host.Network().ClosePeer(pid)
}

// Send opens a fresh stream, writes the whole message, and closes it.
func (t *P2P) Send(peerID string, data []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("bad peer id %q: %w", peerID, err)
	}

	if t.host.Network().Connectedness(pid) != network.Connected {
		return fmt.Errorf("peer %s: %w", peerID, ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := t.host.NewStream(ctx, pid, meshProtocolID)
	if err != nil {
		return fmt.Errorf("peer %s: %w: %v", peerID, ErrSendFailed, err)
	}
	defer s.Close()

	if _, err := s.Write(data); err != nil {
		s.Reset()
		return fmt.Errorf("peer %s: %w: %v", peerID, ErrSendFailed, err)
	}
	return s.CloseWrite()
}

// Addrs returns the host's listen addresses, for diagnostics.
func (t *P2P) Addrs() []multiaddr.Multiaddr {
	return t.host.Addrs()
}

// Close stops discovery and shuts the host down.
func (t *P2P) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	if t.mdns != nil {
		t.mdns.Close()
	}
	err := t.host.Close()

	close(t.discoveryCh)
	close(t.stateCh)
	close(t.inboundCh)
	return err
}

// The emit helpers send under the mutex so Close cannot close a channel
// mid-send. Full queues drop rather than block; the layers above
// tolerate loss.

func (t *P2P) emitDiscovery(ev DiscoveryEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.discoveryCh <- ev:
	default:
	}
}

func (t *P2P) emitState(ev StateEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.stateCh <- ev:
	default:
	}
}

func (t *P2P) emitInbound(ev Inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.inboundCh <- ev:
	default:
		log.Printf("⚠️  Inbound queue full, dropping %d bytes from %s", len(ev.Data), ev.PeerID)
	}
}
