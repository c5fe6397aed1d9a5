package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/delivery"
	"github.com/sevans717/aphila-sub008/internal/metrics"
	"github.com/sevans717/aphila-sub008/internal/presence"
	"github.com/sevans717/aphila-sub008/internal/queue"
	"github.com/sevans717/aphila-sub008/internal/websocket"
	"github.com/sevans717/aphila-sub008/pkg/interfaces"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

// History reads archived conversations
type History interface {
	Conversation(ctx context.Context, userA, userB string, limit int) ([]types.Envelope, error)
}

// ConnectionStats reports live socket counts for /health
type ConnectionStats interface {
	Stats() websocket.Stats
}

// Dependencies wires a Server. Router, Presence, Queue and Verifier are required.
type Dependencies struct {
	Router   *delivery.Router
	Presence *presence.Registry
	Queue    *queue.Queue
	Verifier interfaces.TokenVerifier

	History     History
	Connections ConnectionStats
	Health      map[string]interfaces.HealthChecker
	Socket      http.Handler
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	engine      *gin.Engine
	router      *delivery.Router
	presence    *presence.Registry
	queue       *queue.Queue
	verifier    interfaces.TokenVerifier
	history     History
	connections ConnectionStats
	health      map[string]interfaces.HealthChecker
	metrics     *metrics.Metrics
	logger      *zap.Logger
	startedAt   time.Time
}

// NewServer builds the gin engine and registers every route
func NewServer(deps Dependencies) (*Server, error) {
	switch {
	case deps.Router == nil:
		return nil, errors.New("delivery router is required")
	case deps.Presence == nil:
		return nil, errors.New("presence registry is required")
	case deps.Queue == nil:
		return nil, errors.New("offline queue is required")
	case deps.Verifier == nil:
		return nil, errors.New("token verifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		engine:      gin.New(),
		router:      deps.Router,
		presence:    deps.Presence,
		queue:       deps.Queue,
		verifier:    deps.Verifier,
		history:     deps.History,
		connections: deps.Connections,
		health:      deps.Health,
		metrics:     deps.Metrics,
		logger:      logger.Named("api"),
		startedAt:   time.Now(),
	}
	s.setupRoutes(deps.Socket)
	return s, nil
}

func (s *Server) setupRoutes(socket http.Handler) {
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	if socket != nil {
		s.engine.GET("/ws", gin.WrapH(socket))
	}

	rt := s.engine.Group("/api/realtime", noStore(), requireAuth(s.verifier))
	rt.POST("/messages", s.sendMessage)
	rt.POST("/rooms/:room/broadcast", s.broadcast)
	rt.GET("/presence/:userId", s.getPresence)
	rt.POST("/presence/:userId", s.updatePresence)
	rt.GET("/queue", s.peekQueue)
	rt.DELETE("/queue", s.clearQueue)
	rt.POST("/queue/drain", s.drainQueue)
	rt.GET("/status", s.status)
	rt.GET("/conversations/:userId", s.conversation)
}

// ServeHTTP makes the server usable as a plain http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Handler exposes the engine for http.Server
func (s *Server) Handler() http.Handler {
	return s.engine
}
