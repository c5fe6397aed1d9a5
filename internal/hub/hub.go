package hub

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/delivery"
	"github.com/sevans717/aphila-sub008/internal/metrics"
	"github.com/sevans717/aphila-sub008/internal/presence"
	"github.com/sevans717/aphila-sub008/internal/rooms"
	"github.com/sevans717/aphila-sub008/pkg/interfaces"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

// Config sizes the worker pool
type Config struct {
	Workers    int
	BufferSize int // per worker
}

// Hub processes inbound protocol events and owns connection attach/detach
// ARCHITECTURAL DISCOVERY: Events are sharded by connection id so each
// connection's frames are handled in order while different connections
// proceed in parallel
type Hub struct {
	shards          []chan inbound
	shutdownChannel chan struct{}
	wg              sync.WaitGroup

	router   *delivery.Router
	presence *presence.Registry
	rooms    *rooms.Membership
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	running bool
	mu      sync.RWMutex
}

type inbound struct {
	conn  interfaces.Connection
	frame *types.Frame
}

func NewHub(cfg Config, router *delivery.Router, reg *presence.Registry, membership *rooms.Membership, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	shards := make([]chan inbound, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan inbound, cfg.BufferSize)
	}

	return &Hub{
		shards:          shards,
		shutdownChannel: make(chan struct{}),
		router:          router,
		presence:        reg,
		rooms:           membership,
		metrics:         m,
		logger:          logger.Named("hub"),
		now:             time.Now,
	}
}

// Start launches the workers
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	for _, ch := range h.shards {
		h.wg.Add(1)
		go h.worker(ctx, ch)
	}
	h.logger.Info("hub started", zap.Int("workers", len(h.shards)))
	return nil
}

// Stop signals the workers and waits for them to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("hub stopped")
	return nil
}

// Attach joins the connection to its personal room, marks the device online
// and hands over queued messages
func (h *Hub) Attach(ctx context.Context, conn interfaces.Connection) error {
	userID := conn.GetUserID()
	if err := h.rooms.Join(conn.GetID(), types.UserRoom(userID)); err != nil {
		return err
	}
	if _, err := h.presence.MarkOnline(userID, conn.GetDeviceID(), conn.GetID()); err != nil {
		h.rooms.RemoveConnection(conn.GetID())
		return err
	}

	n, err := h.router.DrainTo(ctx, userID, conn)
	if err != nil {
		h.logger.Warn("queued delivery on attach incomplete",
			zap.String("user_id", userID), zap.Int("delivered", n), zap.Error(err))
	}
	return nil
}

// Detach removes the connection from every room. current reports whether it
// was still the device's registered connection; a replaced connection leaves
// presence untouched. The registry only releases a device owned by conn, so a
// successor that attached in between stays online.
func (h *Hub) Detach(conn interfaces.Connection, current bool) {
	h.rooms.RemoveConnection(conn.GetID())
	if !current {
		return
	}
	if _, err := h.presence.MarkOffline(conn.GetUserID(), conn.GetDeviceID(), conn.GetID()); err != nil {
		h.logger.Warn("mark offline failed", zap.String("user_id", conn.GetUserID()), zap.Error(err))
	}
}

// Dispatch queues an inbound frame without blocking the reader
func (h *Hub) Dispatch(conn interfaces.Connection, frame *types.Frame) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	h.metrics.InboundEvent(string(frame.Event))

	select {
	case h.shardFor(conn.GetID()) <- inbound{conn: conn, frame: frame}:
		return nil
	default:
		h.replyError(conn, CodeBusy, ErrEventChannelFull.Error())
		return ErrEventChannelFull
	}
}

func (h *Hub) shardFor(connID string) chan inbound {
	f := fnv.New32a()
	_, _ = f.Write([]byte(connID))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

func (h *Hub) worker(ctx context.Context, ch chan inbound) {
	defer h.wg.Done()
	for {
		select {
		case in := <-ch:
			h.handle(ctx, in.conn, in.frame)
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handle processes one frame. Failures are reported to the sender, never raised.
func (h *Hub) handle(ctx context.Context, conn interfaces.Connection, frame *types.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("event handler panicked",
				zap.String("event", string(frame.Event)), zap.String("conn_id", conn.GetID()), zap.Any("panic", rec))
		}
	}()

	switch frame.Event {
	case types.EventJoinRoom:
		h.handleJoin(conn, frame)
	case types.EventLeaveRoom:
		h.handleLeave(conn, frame)
	case types.EventMessage:
		h.handleMessage(ctx, conn, frame)
	case types.EventTypingStart:
		h.handleTyping(ctx, conn, frame, types.EventUserTyping)
	case types.EventTypingStop:
		h.handleTyping(ctx, conn, frame, types.EventUserStoppedTyping)
	case types.EventPresenceUpdate:
		h.handlePresence(conn, frame)
	case types.EventPing:
		h.handlePing(conn)
	default:
		h.replyError(conn, CodeUnknownEvent, "unsupported event "+string(frame.Event))
	}
}

func (h *Hub) handleJoin(conn interfaces.Connection, frame *types.Frame) {
	var req types.RoomRequest
	if err := frame.Decode(&req); err != nil {
		h.replyError(conn, CodeInvalidPayload, err.Error())
		return
	}
	if req.Room.Kind == types.RoomKindUser && !req.Room.IsPersonalRoomOf(conn.GetUserID()) {
		h.replyError(conn, CodeForbiddenRoom, ErrForbiddenRoom.Error())
		return
	}
	if err := h.rooms.Join(conn.GetID(), req.Room); err != nil {
		h.replyError(conn, CodeInvalidPayload, err.Error())
	}
}

func (h *Hub) handleLeave(conn interfaces.Connection, frame *types.Frame) {
	var req types.RoomRequest
	if err := frame.Decode(&req); err != nil {
		h.replyError(conn, CodeInvalidPayload, err.Error())
		return
	}
	// The personal room carries presence and typing for the user's own devices
	if req.Room.IsPersonalRoomOf(conn.GetUserID()) {
		return
	}
	h.rooms.Leave(conn.GetID(), req.Room)
}

func (h *Hub) handleMessage(ctx context.Context, conn interfaces.Connection, frame *types.Frame) {
	var env types.Envelope
	if err := frame.Decode(&env); err != nil {
		h.replyError(conn, CodeInvalidPayload, err.Error())
		return
	}
	// FUNCTIONAL DISCOVERY: Sender and timestamp are server-authoritative
	env.SenderID = conn.GetUserID()
	env.CreatedAt = h.now().UTC()

	outcome, err := h.router.Send(ctx, &env)
	switch {
	case errors.Is(err, delivery.ErrRateLimited):
		h.replyError(conn, CodeRateLimited, err.Error())
	case err != nil:
		h.logger.Debug("message rejected", zap.String("user_id", env.SenderID), zap.Error(err))
		h.replyError(conn, CodeMessageRejected, err.Error())
	default:
		h.reply(conn, types.EventAck, types.AckPayload{ID: env.ID, Delivered: outcome.Delivered, Method: outcome.Method})
	}
}

func (h *Hub) handleTyping(ctx context.Context, conn interfaces.Connection, frame *types.Frame, notice types.EventKind) {
	var req types.TypingRequest
	if err := frame.Decode(&req); err != nil {
		h.replyError(conn, CodeInvalidPayload, err.Error())
		return
	}
	room, err := types.ParseRoomID(req.ChannelID)
	if err != nil {
		h.replyError(conn, CodeInvalidPayload, err.Error())
		return
	}
	// Typing into a community requires membership; a personal room is a direct conversation
	if room.Kind == types.RoomKindCommunity && !h.rooms.IsMember(conn.GetID(), room) {
		h.replyError(conn, CodeForbiddenRoom, "not a member of "+room.String())
		return
	}

	payload := types.TypingNotice{UserID: conn.GetUserID(), ChannelID: room.String()}
	if _, err := h.router.BroadcastExcept(ctx, room, notice, payload, conn.GetUserID()); err != nil {
		h.logger.Debug("typing broadcast failed", zap.String("room", room.String()), zap.Error(err))
	}
}

func (h *Hub) handlePresence(conn interfaces.Connection, frame *types.Frame) {
	var data types.PresenceData
	if err := frame.Decode(&data); err != nil {
		h.replyError(conn, CodeInvalidPayload, err.Error())
		return
	}
	if err := data.Validate(); err != nil {
		h.replyError(conn, CodeInvalidPayload, err.Error())
		return
	}

	userID := conn.GetUserID()
	if data.Status != "" {
		if _, err := h.presence.SetStatus(userID, data.Status); err != nil {
			h.replyError(conn, CodeInvalidPayload, err.Error())
			return
		}
	}
	if data.Visible != nil {
		if _, err := h.presence.SetVisibility(userID, *data.Visible); err != nil {
			h.replyError(conn, CodeInvalidPayload, err.Error())
		}
	}
}

// handlePing answers with pong, or with auth_error and a close once the
// connection's token has expired
func (h *Hub) handlePing(conn interfaces.Connection) {
	identity := types.Identity{UserID: conn.GetUserID(), ExpiresAt: conn.GetExpiresAt()}
	if identity.Expired(h.now()) {
		h.reply(conn, types.EventAuthError, types.ErrorPayload{Code: "token_expired", Message: interfaces.ErrTokenExpired.Error()})
		h.logger.Info("closing connection with expired token",
			zap.String("user_id", conn.GetUserID()), zap.String("conn_id", conn.GetID()))
		_ = conn.Close()
		return
	}
	h.reply(conn, types.EventPong, nil)
}

func (h *Hub) reply(conn interfaces.Connection, kind types.EventKind, payload any) {
	frame, err := types.NewFrame(kind, payload)
	if err != nil {
		h.logger.Error("failed to build reply", zap.String("event", string(kind)), zap.Error(err))
		return
	}
	if err := conn.WriteJSON(frame); err != nil {
		h.logger.Debug("reply failed", zap.String("conn_id", conn.GetID()), zap.Error(err))
	}
}

func (h *Hub) replyError(conn interfaces.Connection, code, message string) {
	h.reply(conn, types.EventError, types.ErrorPayload{Code: code, Message: message})
}
