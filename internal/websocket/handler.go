package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/config"
	"github.com/sevans717/aphila-sub008/internal/metrics"
	"github.com/sevans717/aphila-sub008/pkg/interfaces"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

const (
	defaultDeviceID = "default"
	maxFrameBytes   = 64 << 10
	lifecycleLocks  = 64
)

// Hooks receives connection lifecycle and inbound frames
type Hooks interface {
	Attach(ctx context.Context, conn interfaces.Connection) error
	Detach(conn interfaces.Connection, current bool)
	Dispatch(conn interfaces.Connection, frame *types.Frame) error
}

// Handler authenticates and upgrades socket requests
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
// integrates with Registry for connection management and Hooks for event processing
type Handler struct {
	config   *config.WebSocketConfig
	upgrader websocket.Upgrader
	registry *Registry
	verifier interfaces.TokenVerifier
	hooks    Hooks
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// attach and detach of one device never interleave
	lifecycle [lifecycleLocks]sync.Mutex
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(cfg *config.WebSocketConfig, registry *Registry, verifier interfaces.TokenVerifier, hooks Hooks, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		config:   cfg,
		registry: registry,
		verifier: verifier,
		hooks:    hooks,
		metrics:  m,
		logger:   logger.Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// checkOrigin allows every origin unless an allow-list is configured
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP validates the token, upgrades and hands the connection to the hooks
// ARCHITECTURAL DISCOVERY: Multi-stage validation (token -> upgrade -> registration -> attach)
// ensures invalid requests get a plain HTTP error and never consume a socket
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		h.logger.Debug("rejected socket handshake", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	deviceID := identity.DeviceID
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device_id")
	}
	if deviceID == "" {
		deviceID = defaultDeviceID
	}
	if !types.IsValidDeviceID(deviceID) {
		http.Error(w, "invalid device_id", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(ws, h.config.BufferSize, h.config.WriteTimeout)
	if err := conn.SetCredentials(identity.UserID, deviceID, identity.ExpiresAt); err != nil {
		h.logger.Warn("failed to set credentials", zap.Error(err))
		_ = conn.Close()
		return
	}

	replaced, err := h.registry.Register(conn)
	if err != nil {
		h.logger.Error("failed to register connection", zap.Error(err))
		_ = conn.Close()
		return
	}
	if replaced != nil {
		h.logger.Info("replaced device connection",
			zap.String("user_id", identity.UserID), zap.String("device_id", deviceID),
			zap.String("old_conn_id", replaced.GetID()))
	}
	h.metrics.ConnectionOpened()

	// TECHNICAL DISCOVERY: Separate goroutine for connection lifecycle management
	// enables clean resource cleanup and heartbeat monitoring
	go h.serve(ws, conn)
}

// authenticate reads the token from the Authorization header or the token
// query parameter
func (h *Handler) authenticate(r *http.Request) (*types.Identity, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	return h.verifier.Verify(token)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// serve runs the connection until the peer goes away or the server closes it
func (h *Handler) serve(ws *websocket.Conn, conn *Connection) {
	logger := h.logger.With(zap.String("conn_id", conn.GetID()), zap.String("user_id", conn.GetUserID()))

	defer func() {
		unlock := h.lockDevice(conn)
		current := h.registry.Unregister(conn)
		h.hooks.Detach(conn, current)
		unlock()
		_ = conn.Close()
		h.metrics.ConnectionClosed()
		logger.Debug("connection closed", zap.Bool("current", current))
	}()

	if err := h.attach(conn); err != nil {
		logger.Warn("attach failed", zap.Error(err))
		return
	}

	// TECHNICAL DISCOVERY: read deadline longer than the ping interval detects
	// dead peers; any inbound traffic or pong extends it
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	}
	ws.SetReadLimit(maxFrameBytes)
	if err := extend(); err != nil {
		logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Info("websocket read error", zap.Error(err))
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			h.rejectFrame(conn, err)
			continue
		}
		if err := h.hooks.Dispatch(conn, frame); err != nil {
			logger.Debug("dispatch failed", zap.String("event", string(frame.Event)), zap.Error(err))
		}
	}
}

// attach hands conn to the hooks unless a newer connection already took its
// device over
func (h *Handler) attach(conn *Connection) error {
	unlock := h.lockDevice(conn)
	defer unlock()

	if !h.registry.IsCurrent(conn) {
		return ErrConnectionReplaced
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout*2)
	defer cancel()
	return h.hooks.Attach(ctx, conn)
}

func (h *Handler) lockDevice(conn *Connection) func() {
	f := fnv.New32a()
	_, _ = f.Write([]byte(conn.GetUserID() + "/" + conn.GetDeviceID()))
	mu := &h.lifecycle[f.Sum32()%lifecycleLocks]
	mu.Lock()
	return mu.Unlock
}

// pingLoop sends control pings until the connection shuts down
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func decodeFrame(data []byte) (*types.Frame, error) {
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errors.Join(ErrInvalidFrame, err)
	}
	if frame.Event == "" {
		return nil, ErrInvalidFrame
	}
	return &frame, nil
}

func (h *Handler) rejectFrame(conn *Connection, cause error) {
	frame, err := types.NewFrame(types.EventError, types.ErrorPayload{Code: "invalid_payload", Message: cause.Error()})
	if err != nil {
		return
	}
	_ = conn.WriteJSON(frame)
}

// SocketURL rewrites an http(s) base URL into the ws(s) endpoint. Used by
// tests and the CLI token helper.
func SocketURL(base, path, token string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
