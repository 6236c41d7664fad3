package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aa-prime-studio/echomesh/pkg/api"
	"github.com/aa-prime-studio/echomesh/pkg/crypto"
	"github.com/aa-prime-studio/echomesh/pkg/handshake"
	"github.com/aa-prime-studio/echomesh/pkg/mesh"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
	"github.com/aa-prime-studio/echomesh/pkg/session"
	"github.com/aa-prime-studio/echomesh/pkg/storage"
	"github.com/aa-prime-studio/echomesh/pkg/transport"
)

const (
	defaultAPIPort   = 8080
	defaultKeyPath   = "./keys/identity.key"
	defaultDBPath    = "./data/echomesh.db"
	announceInterval = 30 * time.Second
)

var (
	p2pPort    = flag.Int("port", 0, "P2P listen port (0 = random)")
	apiPort    = flag.Int("api-port", defaultAPIPort, "Diagnostics API port")
	keyPath    = flag.String("key", defaultKeyPath, "Path to identity key file")
	dbPath     = flag.String("db", defaultDBPath, "Path to local database")
	passphrase = flag.String("passphrase", "", "Passphrase for at-rest encryption (required unless -no-store)")
	noStore    = flag.Bool("no-store", false, "Run without local persistence")
	maxPeers   = flag.Int("peers", 8, "Maximum concurrent peer connections")
)

func main() {
	flag.Parse()

	printBanner()

	if !*noStore && *passphrase == "" {
		log.Fatal("Error: -passphrase is required (or pass -no-store)")
	}

	identity, err := crypto.LoadOrCreateIdentity(*keyPath)
	if err != nil {
		log.Fatalf("Failed to load identity key: %v", err)
	}
	log.Printf("🔑 Identity %s (key at %s)", crypto.Fingerprint(identity.PublicKey[:]), *keyPath)

	tr, err := transport.NewP2P(&transport.P2PConfig{Port: *p2pPort})
	if err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}
	localID := tr.LocalID()
	log.Printf("📡 Node id %s", localID)
	for _, addr := range tr.Addrs() {
		log.Printf("   listening on %s", addr)
	}

	var store *storage.Store
	if !*noStore {
		if err := os.MkdirAll("./data", 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		store, err = storage.Open(*dbPath, *passphrase)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		log.Printf("💾 Database at %s", *dbPath)
	} else {
		log.Println("⚠️  Running without persistence")
	}

	sessions := session.NewManager(nil)

	meshCfg := mesh.DefaultConfig()
	meshCfg.MaxPeers = *maxPeers
	manager := mesh.NewManager(meshCfg, tr, sessions)

	hs := handshake.New(nil, localID, identity, sessions, manager.SendFrame)
	router := mesh.NewRouter(hs, sessions, manager)
	topology := mesh.NewTopologyTable()

	registerHandlers(router, store, topology, localID)
	manager.Start(hs, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consumeEvents(ctx, manager, hs, router, store)
	go announceTopology(ctx, manager, router, localID)
	if store != nil {
		go pruneOutbox(ctx, store)
	}

	server := api.NewServer(&api.Node{
		LocalID:   localID,
		Manager:   manager,
		Handshake: hs,
		Sessions:  sessions,
		Topology:  topology,
		Store:     store,
		Send:      router.Send,
	}, &api.Config{
		Port:         *apiPort,
		EnableCORS:   true,
		RateLimit:    120,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	go func() {
		if err := server.Start(ctx); err != nil {
			log.Printf("❌ API server error: %v", err)
		}
	}()

	waitForShutdown(cancel, manager, tr, store)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              EchoMesh Node v1.0                   ║")
	fmt.Println("║      Encrypted offline mesh messaging             ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

// registerHandlers wires the application-level message handlers.
func registerHandlers(router *mesh.Router, store *storage.Store, topology *mesh.TopologyTable, localID string) {
	router.Handle(protocol.TypeChat, func(payload []byte, senderID string) {
		log.Printf("💬 %s: %s", senderID, payload)
		if store != nil {
			err := store.SaveMessage(&storage.Message{
				PeerID:    senderID,
				DeviceID:  senderID,
				Type:      protocol.TypeChat,
				Body:      payload,
				Status:    storage.MessageStatusDelivered,
				Timestamp: protocol.NowUnixMilli(),
			})
			if err != nil {
				log.Printf("⚠️  Failed to store chat from %s: %v", senderID, err)
			}
		}
	})

	router.Handle(protocol.TypeSignal, func(payload []byte, senderID string) {
		log.Printf("📍 Signal from %s (%d bytes)", senderID, len(payload))
	})

	router.Handle(protocol.TypeEmergency, func(payload []byte, senderID string) {
		log.Printf("🚨 EMERGENCY from %s: %s", senderID, payload)
	})

	router.Handle(protocol.TypeSystem, func(payload []byte, senderID string) {
		log.Printf("ℹ️  System notice from %s: %s", senderID, payload)
	})

	router.Handle(protocol.TypeGame, func(payload []byte, senderID string) {
		log.Printf("🎮 Game payload from %s (%d bytes)", senderID, len(payload))
	})

	router.Handle(protocol.TypeTopology, func(payload []byte, senderID string) {
		var ann protocol.TopologyAnnounce
		if err := ann.Decode(payload); err != nil {
			log.Printf("⚠️  Malformed topology announce from %s: %v", senderID, err)
			return
		}
		if ann.SenderID == localID {
			return
		}
		topology.Update(&ann)
	})
}

// consumeEvents reacts to lifecycle events: records peers, drains the
// outbox when a peer comes back.
func consumeEvents(ctx context.Context, manager *mesh.Manager, hs *handshake.Protocol, router *mesh.Router, store *storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-manager.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case mesh.EventPeerConnected:
				if store != nil {
					if err := store.UpsertPeer(ev.PeerID, ev.PeerID, ""); err != nil {
						log.Printf("⚠️  Failed to record peer %s: %v", ev.PeerID, err)
					}
					go drainOutbox(ctx, hs, router, store, ev.PeerID)
				}
			case mesh.EventPeerUnreachable:
				log.Printf("🚫 Peer %s unreachable: %s", ev.PeerID, ev.Reason)
			case mesh.EventHandshakeFailed:
				log.Printf("🚫 Handshake with %s failed: %s", ev.PeerID, ev.Reason)
			}
		}
	}
}

// drainOutbox delivers queued messages to a peer that just connected.
// Sends go through the router so the session does the sealing; a send
// that still fails leaves the entry queued for the next connect.
func drainOutbox(ctx context.Context, hs *handshake.Protocol, router *mesh.Router, store *storage.Store, peerID string) {
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := hs.WaitEstablished(waitCtx, peerID); err != nil {
		log.Printf("⚠️  Outbox for %s held back, no session: %v", peerID, err)
		return
	}

	pending, err := store.Pending(peerID)
	if err != nil {
		log.Printf("⚠️  Outbox read for %s failed: %v", peerID, err)
		return
	}
	for _, m := range pending {
		if err := router.Send(peerID, m.Type, m.Body); err != nil {
			log.Printf("⚠️  Outbox delivery to %s failed: %v", peerID, err)
			return
		}
		if err := store.MarkDelivered(m.ID); err != nil {
			log.Printf("⚠️  Failed to clear outbox entry %d: %v", m.ID, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("📬 Delivered %d queued messages to %s", len(pending), peerID)
	}
}

// announceTopology broadcasts this node's neighborhood to every
// connected peer on a fixed cadence.
func announceTopology(ctx context.Context, manager *mesh.Manager, router *mesh.Router, localID string) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		peers := manager.ConnectedPeers()
		if len(peers) == 0 {
			continue
		}

		ann := &protocol.TopologyAnnounce{
			Timestamp: uint32(time.Now().Unix()),
			SenderID:  localID,
			HopCount:  0,
			Neighbors: peers,
		}
		payload, err := ann.Encode()
		if err != nil {
			log.Printf("⚠️  Topology encode failed: %v", err)
			continue
		}

		for _, peerID := range peers {
			if err := router.Send(peerID, protocol.TypeTopology, payload); err != nil {
				log.Printf("⚠️  Topology announce to %s failed: %v", peerID, err)
			}
		}
	}
}

// pruneOutbox drops expired outbox entries once an hour.
func pruneOutbox(ctx context.Context, store *storage.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.PruneExpired(); err != nil {
				log.Printf("⚠️  Outbox prune failed: %v", err)
			}
		}
	}
}

func waitForShutdown(cancel context.CancelFunc, manager *mesh.Manager, tr *transport.P2P, store *storage.Store) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	cancel()
	manager.Stop()
	log.Println("✓ Connection manager stopped")

	if err := tr.Close(); err != nil {
		log.Printf("Error closing transport: %v", err)
	} else {
		log.Println("✓ Transport closed")
	}

	if store != nil {
		if err := store.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		} else {
			log.Println("✓ Database closed")
		}
	}

	log.Println("Goodbye! 👋")
}
