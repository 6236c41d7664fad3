package mesh

import (
	"sync"
	"time"

	"github.com/aa-prime-studio/echomesh/pkg/protocol"
)

// TopologyTTL is how long a received announcement counts as current.
const TopologyTTL = 2 * time.Minute

// NeighborView is one node's announced neighborhood as this node last
// heard it.
type NeighborView struct {
	SenderID   string    `json:"sender_id"`
	HopCount   uint8     `json:"hop_count"`
	Neighbors  []string  `json:"neighbors"`
	ReceivedAt time.Time `json:"received_at"`
}

// TopologyTable accumulates TopologyAnnounce payloads into a mesh map.
// It keeps the freshest announcement per sender and ages entries out.
type TopologyTable struct {
	mu      sync.Mutex
	entries map[string]*NeighborView
}

// NewTopologyTable creates an empty table.
func NewTopologyTable() *TopologyTable {
	return &TopologyTable{entries: make(map[string]*NeighborView)}
}

// Update records an announcement, keeping the existing entry when the
// new one traveled more hops (a closer view wins).
func (t *TopologyTable) Update(ann *protocol.TopologyAnnounce) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[ann.SenderID]; ok {
		fresh := time.Since(existing.ReceivedAt) < TopologyTTL
		if fresh && ann.HopCount > existing.HopCount {
			return
		}
	}

	neighbors := make([]string, len(ann.Neighbors))
	copy(neighbors, ann.Neighbors)
	t.entries[ann.SenderID] = &NeighborView{
		SenderID:   ann.SenderID,
		HopCount:   ann.HopCount,
		Neighbors:  neighbors,
		ReceivedAt: time.Now(),
	}
}

// Snapshot returns the current unexpired views, pruning the rest.
func (t *TopologyTable) Snapshot() []NeighborView {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]NeighborView, 0, len(t.entries))
	for id, v := range t.entries {
		if time.Since(v.ReceivedAt) >= TopologyTTL {
			delete(t.entries, id)
			continue
		}
		out = append(out, *v)
	}
	return out
}
