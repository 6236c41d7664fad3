package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func drainDiscovery(t *testing.T, ch <-chan DiscoveryEvent) DiscoveryEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("no discovery event queued")
		return DiscoveryEvent{}
	}
}

func TestLoopbackDiscovery(t *testing.T) {
	bus := NewBus()
	alice := bus.Join("alice")
	bob := bus.Join("bob")

	ev := drainDiscovery(t, alice.DiscoveryEvents())
	if ev.PeerID != "bob" || !ev.Found {
		t.Errorf("alice saw %+v, want bob found", ev)
	}
	ev = drainDiscovery(t, bob.DiscoveryEvents())
	if ev.PeerID != "alice" || !ev.Found {
		t.Errorf("bob saw %+v, want alice found", ev)
	}

	bus.Leave("bob")
	ev = drainDiscovery(t, alice.DiscoveryEvents())
	if ev.PeerID != "bob" || ev.Found {
		t.Errorf("alice saw %+v, want bob lost", ev)
	}
}

func TestLoopbackSendRequiresConnection(t *testing.T) {
	bus := NewBus()
	alice := bus.Join("alice")
	bob := bus.Join("bob")

	if err := alice.Send("bob", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}

	if err := alice.Connect(context.Background(), "bob"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	want := []byte("frame bytes")
	if err := alice.Send("bob", want); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	in := <-bob.Inbound()
	if in.PeerID != "alice" || !bytes.Equal(in.Data, want) {
		t.Errorf("inbound = %+v", in)
	}
}

func TestLoopbackDisconnectBothSides(t *testing.T) {
	bus := NewBus()
	alice := bus.Join("alice")
	bob := bus.Join("bob")

	if err := alice.Connect(context.Background(), "bob"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	// Drain the connect events.
	<-alice.StateEvents()
	<-bob.StateEvents()

	if err := alice.Disconnect("bob"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if ev := <-alice.StateEvents(); ev.State != StateNotConnected {
		t.Errorf("alice state event = %+v", ev)
	}
	if ev := <-bob.StateEvents(); ev.State != StateNotConnected {
		t.Errorf("bob state event = %+v", ev)
	}

	if err := bob.Send("alice", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after disconnect = %v, want ErrNotConnected", err)
	}
}
