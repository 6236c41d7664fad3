package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aa-prime-studio/echomesh/pkg/crypto"
	"github.com/aa-prime-studio/echomesh/pkg/handshake"
	"github.com/aa-prime-studio/echomesh/pkg/mesh"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
	"github.com/aa-prime-studio/echomesh/pkg/session"
	"github.com/aa-prime-studio/echomesh/pkg/storage"
	"github.com/aa-prime-studio/echomesh/pkg/transport"
)

// newTestServer wires a minimal node with a real store and an idle mesh.
func newTestServer(t *testing.T) (*Server, *Node) {
	t.Helper()

	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	bus := transport.NewBus()
	tr := bus.Join("node-test")
	t.Cleanup(func() { tr.Close() })

	sessions := session.NewManager(nil)
	manager := mesh.NewManager(nil, tr, sessions)
	hs := handshake.New(nil, "node-test", identity, sessions, manager.SendFrame)
	router := mesh.NewRouter(hs, sessions, manager)

	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"), "test-pass")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	node := &Node{
		LocalID:   "node-test",
		Manager:   manager,
		Handshake: hs,
		Sessions:  sessions,
		Topology:  mesh.NewTopologyTable(),
		Store:     store,
		Send:      router.Send,
	}
	return NewServer(node, DefaultConfig()), node
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(t, s, "/api/v1/status")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "node-test", resp.NodeID)
	assert.Equal(t, 0, resp.ConnectedPeers)
}

func TestSessionsEndpoint(t *testing.T) {
	s, node := newTestServer(t)

	keys, err := crypto.DeriveSessionKeys(make([]byte, 32), "node-test", "device-far")
	require.NoError(t, err)
	node.Sessions.Establish("peer-far", "device-far", keys)

	w := get(t, s, "/api/v1/sessions")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "peer-far", resp.Sessions[0].PeerID)
	assert.Equal(t, "device-far", resp.Sessions[0].DeviceID)
}

func TestTopologyEndpoint(t *testing.T) {
	s, node := newTestServer(t)

	node.Topology.Update(&protocol.TopologyAnnounce{
		Timestamp: uint32(time.Now().Unix()),
		SenderID:  "device-far",
		HopCount:  1,
		Neighbors: []string{"device-a", "device-b"},
	})

	w := get(t, s, "/api/v1/topology")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp TopologyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "device-far", resp.Nodes[0].SenderID)
	assert.Equal(t, []string{"device-a", "device-b"}, resp.Nodes[0].Neighbors)
}

func TestHistoryEndpoint(t *testing.T) {
	s, node := newTestServer(t)

	for i, body := range []string{"first", "second"} {
		require.NoError(t, node.Store.SaveMessage(&storage.Message{
			PeerID:    "peer-far",
			DeviceID:  "device-far",
			Type:      protocol.TypeChat,
			Body:      []byte(body),
			Status:    storage.MessageStatusSent,
			Timestamp: int64(100 + i),
		}))
	}

	w := get(t, s, "/api/v1/history/peer-far?limit=1")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "second", resp.Messages[0].Body)
	assert.Equal(t, "chat", resp.Messages[0].Type)

	// Delete and confirm empty.
	req := httptest.NewRequest("DELETE", "/api/v1/history/peer-far", nil)
	dw := httptest.NewRecorder()
	s.router.ServeHTTP(dw, req)
	assert.Equal(t, http.StatusOK, dw.Code)

	w = get(t, s, "/api/v1/history/peer-far")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
}

func TestHistoryWithoutStore(t *testing.T) {
	s, node := newTestServer(t)
	node.Store = nil

	w := get(t, s, "/api/v1/history/peer-far")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBlockEndpoints(t *testing.T) {
	s, node := newTestServer(t)
	require.NoError(t, node.Store.UpsertPeer("peer-far", "device-far", "cafe0123"))

	req := httptest.NewRequest("POST", "/api/v1/peers/peer-far/block", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	p, err := node.Store.GetPeer("peer-far")
	require.NoError(t, err)
	assert.True(t, p.IsBlocked)

	req = httptest.NewRequest("POST", "/api/v1/peers/peer-nobody/block", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendChatQueuesForUnreachablePeer(t *testing.T) {
	s, node := newTestServer(t)

	// No session and no connection: the message must land in the
	// outbox and the history entry stays in "sending".
	req := httptest.NewRequest("POST", "/api/v1/chat/peer-far",
		strings.NewReader(`{"message":"are you there?"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp SendChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Queued)

	pending, err := node.Store.Pending("peer-far")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("are you there?"), pending[0].Body)

	history, err := node.Store.RecentMessages("peer-far", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.MessageStatusSending, history[0].Status)
}

func TestSendChatRejectsEmptyBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/chat/peer-far", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}
