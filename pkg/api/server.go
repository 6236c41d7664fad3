// Package api exposes the node's diagnostics and history over HTTP for
// local tooling. It reads mesh, handshake, session, and storage state;
// it never mutates it except for the explicit block/unblock endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aa-prime-studio/echomesh/pkg/handshake"
	"github.com/aa-prime-studio/echomesh/pkg/mesh"
	"github.com/aa-prime-studio/echomesh/pkg/protocol"
	"github.com/aa-prime-studio/echomesh/pkg/session"
	"github.com/aa-prime-studio/echomesh/pkg/storage"
)

// Node bundles the collaborators the API reads from. Store may be nil
// when the node runs without persistence; Send is the router's
// encrypt-and-deliver entry point.
type Node struct {
	LocalID   string
	Manager   *mesh.Manager
	Handshake *handshake.Protocol
	Sessions  *session.Manager
	Topology  *mesh.TopologyTable
	Store     *storage.Store
	Send      func(peerID string, msgType protocol.MessageType, payload []byte) error
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		RateLimit:    120,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP diagnostics server.
type Server struct {
	node       *Node
	router     *gin.Engine
	port       int
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates the diagnostics server.
func NewServer(node *Node, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		node:      node,
		router:    router,
		port:      config.Port,
		startedAt: time.Now(),
	}

	s.setupMiddleware(config)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(config *Config) {
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	s.router.Use(RateLimitMiddleware(NewRateLimiter(config.RateLimit)))
	s.router.Use(LoggingMiddleware())
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/peers", s.handlePeers)
		v1.GET("/sessions", s.handleSessions)
		v1.GET("/handshakes", s.handleHandshakes)
		v1.GET("/topology", s.handleTopology)

		history := v1.Group("/history")
		{
			history.GET("/:peerID", s.handleHistory)
			history.DELETE("/:peerID", s.handleDeleteHistory)
		}

		v1.POST("/chat/:peerID", s.handleSendChat)

		v1.POST("/peers/:peerID/block", s.handleBlock)
		v1.POST("/peers/:peerID/unblock", s.handleUnblock)
	}

	s.router.GET("/health", s.handleHealth)
}

// Start runs the server until the context is canceled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("🌐 Diagnostics API listening on port %d\n", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop shuts the server down outside of Start's context.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
