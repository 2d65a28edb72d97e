// Package api exposes a read-only HTTP surface over a chunkengine node:
// health, stats, peer and integrity introspection for operators and
// monitoring, distinct from the peer-to-peer JSON-RPC transport that
// carries actual chunk traffic.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zentalk-storage/chunkengine/pkg/chunkengine"
)

// Config controls the admin HTTP server.
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // requests per minute per client IP, 0 disables limiting
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane defaults for local/ops use.
func DefaultConfig() Config {
	return Config{
		Port:         8090,
		EnableCORS:   true,
		RateLimit:    120,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server wraps a gin router around a node's engine components. It never
// mutates chunk state; every route is a read of stats, health or
// integrity surfaces already exposed by the engine.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	service    *chunkengine.LocalRPCService
	index      *chunkengine.Index
	engineCfg  chunkengine.Config
	startedAt  time.Time
	logger     *zap.Logger
	cfg        Config
}

// NewServer builds the admin API. service and index may not be nil;
// logger may be nil, in which case a no-op logger is used.
func NewServer(service *chunkengine.LocalRPCService, index *chunkengine.Index, engineCfg chunkengine.Config, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router:    router,
		service:   service,
		index:     index,
		engineCfg: engineCfg,
		startedAt: time.Now().UTC(),
		logger:    logger,
		cfg:       cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addrFromPort(cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func addrFromPort(port int) string {
	if port <= 0 {
		return ":8090"
	}
	return ":" + strconv.Itoa(port)
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(loggingMiddleware(s.logger))
	if s.cfg.EnableCORS {
		s.router.Use(corsMiddleware())
	}
	if s.cfg.RateLimit > 0 {
		s.router.Use(rateLimitMiddleware(s.cfg.RateLimit))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/node/stats", s.handleNodeStats)
		v1.GET("/node/integrity", s.handleIntegrity)
		v1.GET("/peers", s.handlePeers)
		v1.GET("/peers/:peerID", s.handlePeer)
		v1.GET("/replication/pending", s.handlePendingReplications)
		v1.GET("/chunks/at-risk", s.handleAtRiskShards)
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully with a bounded timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
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

// Stop shuts the server down immediately with a short grace period,
// independent of the context passed to Start.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying gin engine, primarily for tests that
// drive the server via httptest without binding a real listener.
func (s *Server) Router() http.Handler { return s.router }
