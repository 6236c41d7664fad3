package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aa-prime-studio/echomesh/pkg/handshake"
	"github.com/aa-prime-studio/echomesh/pkg/mesh"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
	"github.com/aa-prime-studio/echomesh/pkg/session"
	"github.com/aa-prime-studio/echomesh/pkg/storage"
	"github.com/aa-prime-studio/echomesh/pkg/transport"
)

// StatusResponse summarizes the node.
type StatusResponse struct {
	Success        bool      `json:"success"`
	NodeID         string    `json:"nodeId"`
	ConnectedPeers int       `json:"connectedPeers"`
	TrackedPeers   int       `json:"trackedPeers"`
	Sessions       int       `json:"sessions"`
	Uptime         string    `json:"uptime"`
	StartedAt      time.Time `json:"startedAt"`
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Success:        true,
		NodeID:         s.node.LocalID,
		ConnectedPeers: len(s.node.Manager.ConnectedPeers()),
		TrackedPeers:   len(s.node.Manager.Peers()),
		Sessions:       len(s.node.Sessions.Sessions()),
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
		StartedAt:      s.startedAt,
	})
}

// PeersResponse lists every peer the connection manager tracks.
type PeersResponse struct {
	Success bool            `json:"success"`
	Count   int             `json:"count"`
	Peers   []mesh.PeerInfo `json:"peers"`
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	peers := s.node.Manager.Peers()
	c.JSON(http.StatusOK, PeersResponse{
		Success: true,
		Count:   len(peers),
		Peers:   peers,
	})
}

// SessionsResponse lists the established secure sessions.
type SessionsResponse struct {
	Success  bool           `json:"success"`
	Count    int            `json:"count"`
	Sessions []session.Info `json:"sessions"`
}

// handleSessions handles GET /api/v1/sessions
func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.node.Sessions.Sessions()
	c.JSON(http.StatusOK, SessionsResponse{
		Success:  true,
		Count:    len(sessions),
		Sessions: sessions,
	})
}

// HandshakesResponse lists per-peer key exchange states.
type HandshakesResponse struct {
	Success    bool               `json:"success"`
	Count      int                `json:"count"`
	Handshakes []handshake.Status `json:"handshakes"`
}

// handleHandshakes handles GET /api/v1/handshakes
func (s *Server) handleHandshakes(c *gin.Context) {
	statuses := s.node.Handshake.Statuses()
	c.JSON(http.StatusOK, HandshakesResponse{
		Success:    true,
		Count:      len(statuses),
		Handshakes: statuses,
	})
}

// TopologyResponse is the mesh map as heard over topology announces.
type TopologyResponse struct {
	Success bool                `json:"success"`
	Count   int                 `json:"count"`
	Nodes   []mesh.NeighborView `json:"nodes"`
}

// handleTopology handles GET /api/v1/topology
func (s *Server) handleTopology(c *gin.Context) {
	nodes := s.node.Topology.Snapshot()
	c.JSON(http.StatusOK, TopologyResponse{
		Success: true,
		Count:   len(nodes),
		Nodes:   nodes,
	})
}

// HistoryMessage is one chat history entry, body as UTF-8 text.
type HistoryMessage struct {
	ID         int64  `json:"id"`
	DeviceID   string `json:"deviceId"`
	Type       string `json:"type"`
	Body       string `json:"body"`
	IsOutgoing bool   `json:"isOutgoing"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
}

// HistoryResponse pages through a peer's chat history.
type HistoryResponse struct {
	Success  bool             `json:"success"`
	PeerID   string           `json:"peerId"`
	Count    int              `json:"count"`
	Messages []HistoryMessage `json:"messages"`
}

// handleHistory handles GET /api/v1/history/:peerID
func (s *Server) handleHistory(c *gin.Context) {
	if s.node.Store == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "No persistence",
			Message: "Node is running without a local store",
		})
		return
	}

	peerID := c.Param("peerID")
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	messages, err := s.node.Store.RecentMessages(peerID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "History read failed",
			Message: err.Error(),
		})
		return
	}

	out := make([]HistoryMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, HistoryMessage{
			ID:         m.ID,
			DeviceID:   m.DeviceID,
			Type:       m.Type.String(),
			Body:       string(m.Body),
			IsOutgoing: m.IsOutgoing,
			Status:     string(m.Status),
			Timestamp:  m.Timestamp,
		})
	}

	c.JSON(http.StatusOK, HistoryResponse{
		Success:  true,
		PeerID:   peerID,
		Count:    len(out),
		Messages: out,
	})
}

// handleDeleteHistory handles DELETE /api/v1/history/:peerID
func (s *Server) handleDeleteHistory(c *gin.Context) {
	if s.node.Store == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "No persistence",
		})
		return
	}

	peerID := c.Param("peerID")
	if err := s.node.Store.DeleteHistory(peerID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Delete failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "History deleted for " + peerID})
}

// SendChatRequest is the body of POST /api/v1/chat/:peerID.
type SendChatRequest struct {
	Message string `json:"message" binding:"required"`
}

// SendChatResponse reports what happened to an outbound chat message.
type SendChatResponse struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"` // true when stored in the outbox instead of sent
	Message string `json:"message,omitempty"`
}

// handleSendChat handles POST /api/v1/chat/:peerID. When the peer is
// unreachable or has no session yet the message lands in the outbox
// and is delivered once the peer comes back.
func (s *Server) handleSendChat(c *gin.Context) {
	peerID := c.Param("peerID")

	var req SendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	body := []byte(req.Message)
	status := storage.MessageStatusSent
	queued := false

	err := s.node.Send(peerID, protocol.TypeChat, body)
	switch {
	case err == nil:

	case errors.Is(err, session.ErrNoSession) || errors.Is(err, transport.ErrNotConnected):
		if s.node.Store == nil {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "Peer unreachable",
				Message: err.Error(),
			})
			return
		}
		if qerr := s.node.Store.Enqueue(peerID, protocol.TypeChat, body, 0); qerr != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Queue failed",
				Message: qerr.Error(),
			})
			return
		}
		status = storage.MessageStatusSending
		queued = true

	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Send failed",
			Message: err.Error(),
		})
		return
	}

	if s.node.Store != nil {
		saveErr := s.node.Store.SaveMessage(&storage.Message{
			PeerID:     peerID,
			DeviceID:   peerID,
			Type:       protocol.TypeChat,
			Body:       body,
			IsOutgoing: true,
			Status:     status,
			Timestamp:  time.Now().UnixMilli(),
		})
		if saveErr != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "History write failed",
				Message: saveErr.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, SendChatResponse{Success: true, Queued: queued})
}

// handleBlock handles POST /api/v1/peers/:peerID/block
func (s *Server) handleBlock(c *gin.Context) {
	s.setBlocked(c, true)
}

// handleUnblock handles POST /api/v1/peers/:peerID/unblock
func (s *Server) handleUnblock(c *gin.Context) {
	s.setBlocked(c, false)
}

func (s *Server) setBlocked(c *gin.Context, blocked bool) {
	if s.node.Store == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "No persistence",
		})
		return
	}

	peerID := c.Param("peerID")
	if err := s.node.Store.SetBlocked(peerID, blocked); err != nil {
		if err == storage.ErrNotFound {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown peer"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Update failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Success: true,
		Status:  "healthy",
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
