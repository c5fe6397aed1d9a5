package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// SendMessageRequest is the body of POST /messages. The sender is always
// the authenticated caller.
type SendMessageRequest struct {
	ID          string          `json:"id,omitempty"`
	RecipientID string          `json:"recipientId" binding:"required"`
	Type        string          `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type SendMessageResponse struct {
	ID        string               `json:"id"`
	Delivered bool                 `json:"delivered"`
	Method    types.DeliveryMethod `json:"method"`
}

type BroadcastRequest struct {
	Event   types.EventKind `json:"event" binding:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type BroadcastResponse struct {
	Recipients int `json:"recipients"`
}

type QueueResponse struct {
	Messages []types.Envelope `json:"messages"`
	Count    int              `json:"count"`
}

type ClearQueueResponse struct {
	Removed int `json:"removed"`
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Components  map[string]string `json:"components"`
	Connections *connectionCounts `json:"connections,omitempty"`
	OnlineUsers int               `json:"onlineUsers"`
}

type connectionCounts struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// FUNCTIONAL DISCOVERY: POST /api/realtime/messages - send with queue fallback
func (s *Server) sendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	env := &types.Envelope{
		ID:          req.ID,
		SenderID:    identityFrom(c).UserID,
		RecipientID: req.RecipientID,
		Type:        req.Type,
		Payload:     req.Payload,
	}
	outcome, err := s.router.Send(c.Request.Context(), env)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, SendMessageResponse{ID: env.ID, Delivered: outcome.Delivered, Method: outcome.Method})
}

// FUNCTIONAL DISCOVERY: POST /api/realtime/rooms/:room/broadcast - callers may
// broadcast to community rooms and to their own personal room only
func (s *Server) broadcast(c *gin.Context) {
	room, err := types.ParseRoomID(c.Param("room"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if room.Kind == types.RoomKindUser && !room.IsPersonalRoomOf(identityFrom(c).UserID) {
		abortWithError(c, ErrForbidden)
		return
	}

	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	n, err := s.router.Broadcast(c.Request.Context(), room, req.Event, payload)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, BroadcastResponse{Recipients: n})
}

// GET /api/realtime/presence/:userId - others see the public view
func (s *Server) getPresence(c *gin.Context) {
	target := c.Param("userId")
	if !types.IsValidUserID(target) {
		abortWithError(c, types.ErrInvalidUserID)
		return
	}
	if target == identityFrom(c).UserID {
		c.JSON(http.StatusOK, s.presence.GetPresence(target))
		return
	}
	c.JSON(http.StatusOK, s.presence.PublicPresence(target))
}

// POST /api/realtime/presence/:userId - own status and visibility only
func (s *Server) updatePresence(c *gin.Context) {
	target := c.Param("userId")
	if target != identityFrom(c).UserID {
		abortWithError(c, ErrForbidden)
		return
	}

	var data types.PresenceData
	if err := c.ShouldBindJSON(&data); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := data.Validate(); err != nil {
		abortWithError(c, err)
		return
	}
	if data.Status != "" {
		if _, err := s.presence.SetStatus(target, data.Status); err != nil {
			abortWithError(c, err)
			return
		}
	}
	if data.Visible != nil {
		if _, err := s.presence.SetVisibility(target, *data.Visible); err != nil {
			abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, s.presence.GetPresence(target))
}

func (s *Server) peekQueue(c *gin.Context) {
	envs, err := s.queue.Peek(c.Request.Context(), identityFrom(c).UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, queueResponse(envs))
}

func (s *Server) clearQueue(c *gin.Context) {
	n, err := s.queue.Clear(c.Request.Context(), identityFrom(c).UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ClearQueueResponse{Removed: n})
}

// POST /api/realtime/queue/drain - destructive poll for clients without a socket
func (s *Server) drainQueue(c *gin.Context) {
	envs, err := s.queue.Drain(c.Request.Context(), identityFrom(c).UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, queueResponse(envs))
}

func queueResponse(envs []types.Envelope) QueueResponse {
	if envs == nil {
		envs = []types.Envelope{}
	}
	return QueueResponse{Messages: envs, Count: len(envs)}
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, types.StatusResponse{
		OnlineUsersCount: s.presence.OnlineCount(),
		IsOnline:         s.presence.IsOnline(identityFrom(c).UserID),
	})
}

// GET /api/realtime/conversations/:userId?limit=N - archived history with
// one other user, oldest first
func (s *Server) conversation(c *gin.Context) {
	if s.history == nil {
		abortWithError(c, ErrNoHistory)
		return
	}
	other := c.Param("userId")
	if !types.IsValidUserID(other) {
		abortWithError(c, types.ErrInvalidUserID)
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			abortWithError(c, ErrInvalidLimit)
			return
		}
		limit = n
	}

	envs, err := s.history.Conversation(c.Request.Context(), identityFrom(c).UserID, other, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, queueResponse(envs))
}

// FUNCTIONAL DISCOVERY: GET /health - 503 when any backing store is unreachable
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Components:  make(map[string]string, len(s.health)),
		OnlineUsers: s.presence.OnlineCount(),
	}
	for name, checker := range s.health {
		if err := checker.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Components[name] = "error: " + err.Error()
			continue
		}
		resp.Components[name] = "healthy"
	}
	if s.connections != nil {
		stats := s.connections.Stats()
		resp.Connections = &connectionCounts{Connections: stats.Connections, Users: stats.Users}
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
