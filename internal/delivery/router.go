package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/metrics"
	"github.com/sevans717/aphila-sub008/internal/presence"
	"github.com/sevans717/aphila-sub008/internal/queue"
	"github.com/sevans717/aphila-sub008/internal/rooms"
	"github.com/sevans717/aphila-sub008/pkg/interfaces"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

// Dependencies wires a Router. Presence, Rooms, Directory and Queue are
// required; the rest are optional.
type Dependencies struct {
	Presence  *presence.Registry
	Rooms     *rooms.Membership
	Directory interfaces.ConnectionDirectory
	Queue     *queue.Queue

	Archive   interfaces.MessageArchive
	Notifier  interfaces.PushNotifier
	Relations interfaces.RelationshipProvider
	Limiter   *RateLimiter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Router decides between direct delivery and the offline queue, and fans
// events out to rooms
// ARCHITECTURAL DISCOVERY: Pure routing logic without connection handling;
// the directory hands back live connections and the router only writes frames
type Router struct {
	presence  *presence.Registry
	rooms     *rooms.Membership
	directory interfaces.ConnectionDirectory
	queue     *queue.Queue
	archive   interfaces.MessageArchive
	notifier  interfaces.PushNotifier
	relations interfaces.RelationshipProvider
	limiter   *RateLimiter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	// a recipient's backlog is always written before newer messages
	recipients recipientLocks
}

func NewRouter(deps Dependencies) (*Router, error) {
	switch {
	case deps.Presence == nil:
		return nil, fmt.Errorf("presence registry is required")
	case deps.Rooms == nil:
		return nil, fmt.Errorf("room membership is required")
	case deps.Directory == nil:
		return nil, fmt.Errorf("connection directory is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("offline queue is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{
		presence:  deps.Presence,
		rooms:     deps.Rooms,
		directory: deps.Directory,
		queue:     deps.Queue,
		archive:   deps.Archive,
		notifier:  deps.Notifier,
		relations: deps.Relations,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		logger:    logger.Named("delivery"),
		now:       time.Now,
	}, nil
}

// Send routes env to its recipient. Online recipients get the message on
// every live connection; otherwise it lands in the offline queue.
// FUNCTIONAL DISCOVERY: Persist-then-route; an archived message is never
// only held in memory
func (r *Router) Send(ctx context.Context, env *types.Envelope) (types.DeliveryOutcome, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = r.now().UTC()
	}

	if err := env.Validate(); err != nil {
		r.metrics.DeliveryRejected("invalid")
		return types.DeliveryOutcome{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	if r.limiter != nil && !r.limiter.Allow(env.SenderID) {
		r.metrics.DeliveryRejected("rate_limited")
		return types.DeliveryOutcome{}, ErrRateLimited
	}

	if r.archive != nil {
		if err := r.archive.StoreMessage(ctx, env); err != nil {
			r.metrics.DeliveryRejected("archive")
			return types.DeliveryOutcome{}, fmt.Errorf("failed to persist message: %w", err)
		}
	}

	frame, err := types.NewFrame(types.EventMessage, env)
	if err != nil {
		return types.DeliveryOutcome{}, err
	}

	outcome, err := r.route(ctx, env, frame)
	if err != nil {
		return types.DeliveryOutcome{}, err
	}
	if !outcome.Delivered {
		r.notify(ctx, env)
	}
	return outcome, nil
}

// route writes env directly or queues it while holding the recipient's lock.
// A connection attaching meanwhile drains the queue after we release it.
func (r *Router) route(ctx context.Context, env *types.Envelope, frame *types.Frame) (types.DeliveryOutcome, error) {
	unlock := r.recipients.lock(env.RecipientID)
	defer unlock()

	if r.presence.IsOnline(env.RecipientID) {
		if r.deliverDirect(ctx, env.RecipientID, frame) {
			r.metrics.DeliveryRecorded(string(types.DeliveryDirect))
			return types.DeliveryOutcome{Delivered: true, Method: types.DeliveryDirect}, nil
		}
		r.logger.Debug("no connection accepted message, queueing",
			zap.String("message_id", env.ID), zap.String("recipient_id", env.RecipientID))
	}

	if err := r.queue.Enqueue(ctx, *env); err != nil {
		r.metrics.DeliveryRejected("queue")
		return types.DeliveryOutcome{}, fmt.Errorf("failed to queue message: %w", err)
	}
	r.metrics.DeliveryRecorded(string(types.DeliveryQueued))
	return types.DeliveryOutcome{Delivered: false, Method: types.DeliveryQueued}, nil
}

// deliverDirect writes frame to every live connection of userID, after any
// backlog still waiting for them. The caller holds the recipient lock.
func (r *Router) deliverDirect(ctx context.Context, userID string, frame *types.Frame) bool {
	conns := r.directory.GetUserConnections(userID)
	if len(conns) == 0 {
		return false
	}

	backlog, err := r.queue.Len(ctx, userID)
	if err != nil {
		r.logger.Warn("failed to read queue length", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	if backlog > 0 {
		if _, err := r.drainLocked(ctx, userID, conns); err != nil {
			return false
		}
	}
	return r.writeAll(conns, frame) > 0
}

func (r *Router) notify(ctx context.Context, env *types.Envelope) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyQueued(ctx, env); err != nil {
		r.logger.Warn("push notification failed",
			zap.String("message_id", env.ID), zap.String("recipient_id", env.RecipientID), zap.Error(err))
	}
}

// Broadcast writes an event to every connection in room and returns how many accepted it
func (r *Router) Broadcast(ctx context.Context, room types.RoomID, event types.EventKind, payload any) (int, error) {
	return r.BroadcastExcept(ctx, room, event, payload, "")
}

// BroadcastExcept is Broadcast skipping every connection of exceptUserID.
// Broadcasts are never queued.
func (r *Router) BroadcastExcept(ctx context.Context, room types.RoomID, event types.EventKind, payload any, exceptUserID string) (int, error) {
	if err := room.Validate(); err != nil {
		return 0, err
	}
	if !event.IsBroadcastable() {
		return 0, fmt.Errorf("%w: %s", ErrNotBroadcastable, event)
	}
	frame, err := types.NewFrame(event, payload)
	if err != nil {
		return 0, err
	}

	// TECHNICAL DISCOVERY: Membership snapshot is taken once; connections that
	// leave mid-broadcast are skipped by the directory lookup
	delivered := 0
	for _, connID := range r.rooms.MembersOf(room) {
		if ctx.Err() != nil {
			break
		}
		conn, ok := r.directory.GetConnection(connID)
		if !ok {
			continue
		}
		if exceptUserID != "" && conn.GetUserID() == exceptUserID {
			continue
		}
		if r.write(conn, frame) {
			delivered++
		}
	}

	r.metrics.BroadcastRecorded(string(event), delivered)
	return delivered, ctx.Err()
}

// DrainTo hands the user's queued messages to conn in their original order
func (r *Router) DrainTo(ctx context.Context, userID string, conn interfaces.Connection) (int, error) {
	return r.deliverQueued(ctx, userID, []interfaces.Connection{conn})
}

// Flush hands the user's queued messages to every live connection of the user
func (r *Router) Flush(ctx context.Context, userID string) (int, error) {
	conns := r.directory.GetUserConnections(userID)
	if len(conns) == 0 {
		return 0, nil
	}
	return r.deliverQueued(ctx, userID, conns)
}

func (r *Router) deliverQueued(ctx context.Context, userID string, conns []interfaces.Connection) (int, error) {
	unlock := r.recipients.lock(userID)
	defer unlock()
	return r.drainLocked(ctx, userID, conns)
}

func (r *Router) drainLocked(ctx context.Context, userID string, conns []interfaces.Connection) (int, error) {
	envs, err := r.queue.Drain(ctx, userID)
	if err != nil || len(envs) == 0 {
		return 0, err
	}

	for i := range envs {
		frame, err := types.NewFrame(types.EventMessage, &envs[i])
		if err == nil && r.writeAll(conns, frame) > 0 {
			continue
		}

		// Put the undelivered tail back in front, preserving order
		if rqErr := r.queue.Requeue(ctx, userID, envs[i:]); rqErr != nil {
			r.logger.Error("failed to requeue undelivered messages",
				zap.String("user_id", userID), zap.Int("count", len(envs)-i), zap.Error(rqErr))
			return i, errors.Join(ErrDrainInterrupted, rqErr)
		}
		return i, ErrDrainInterrupted
	}

	r.logger.Debug("delivered queued messages", zap.String("user_id", userID), zap.Int("count", len(envs)))
	return len(envs), nil
}

// writeAll writes frame to each connection and returns how many accepted it
func (r *Router) writeAll(conns []interfaces.Connection, frame *types.Frame) int {
	accepted := 0
	for _, conn := range conns {
		if r.write(conn, frame) {
			accepted++
		}
	}
	return accepted
}

// write never lets one connection's error or panic escape
func (r *Router) write(conn interfaces.Connection, frame *types.Frame) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.WriteFailed()
			r.logger.Error("connection write panicked",
				zap.String("conn_id", conn.GetID()), zap.Any("panic", rec))
			ok = false
		}
	}()

	if err := conn.WriteJSON(frame); err != nil {
		r.metrics.WriteFailed()
		r.logger.Debug("connection write failed",
			zap.String("conn_id", conn.GetID()), zap.String("user_id", conn.GetUserID()), zap.Error(err))
		return false
	}
	return true
}
