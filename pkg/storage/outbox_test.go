package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/aa-prime-studio/echomesh/pkg/protocol"
)

func TestOutboxRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.Enqueue("peer-a", protocol.TypeChat, []byte("queued one"), time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Enqueue("peer-a", protocol.TypeChat, []byte("queued two"), time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Enqueue("peer-b", protocol.TypeSystem, []byte("elsewhere"), time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	pending, err := s.Pending("peer-a")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending returned %d entries, want 2", len(pending))
	}
	if !bytes.Equal(pending[0].Body, []byte("queued one")) {
		t.Errorf("oldest entry = %q, want the first enqueued", pending[0].Body)
	}

	if err := s.MarkDelivered(pending[0].ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	pending, err = s.Pending("peer-a")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || !bytes.Equal(pending[0].Body, []byte("queued two")) {
		t.Errorf("after delivery pending = %+v, want only the second entry", pending)
	}
}

func TestPendingBumpsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.Enqueue("peer-a", protocol.TypeChat, []byte("m"), time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Pending("peer-a"); err != nil {
			t.Fatalf("Pending %d failed: %v", i, err)
		}
	}

	pending, err := s.Pending("peer-a")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", pending[0].Attempts)
	}
}

func TestPruneExpired(t *testing.T) {
	s := openTestStore(t)

	if err := s.Enqueue("peer-a", protocol.TypeChat, []byte("old"), -time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Enqueue("peer-a", protocol.TypeChat, []byte("fresh"), time.Hour); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	n, err := s.PruneExpired()
	if err != nil {
		t.Fatalf("PruneExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d entries, want 1", n)
	}

	pending, err := s.Pending("peer-a")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || !bytes.Equal(pending[0].Body, []byte("fresh")) {
		t.Errorf("pending after prune = %+v, want only the fresh entry", pending)
	}
}
