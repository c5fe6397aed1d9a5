package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/metrics"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

// DefaultCapacity bounds a user's queue when no capacity is configured
const DefaultCapacity = 200

// Config bounds every user's queue
type Config struct {
	Capacity int
	MaxAge   time.Duration // zero disables expiry
}

// Queue holds messages for offline recipients until they reconnect.
// FUNCTIONAL DISCOVERY: Overflow evicts the oldest message; senders never see
// an error for a full queue, the eviction is logged and counted instead
type Queue struct {
	store    Store
	capacity int
	maxAge   time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New wraps store. metrics and logger may be nil.
func New(store Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Capacity < 0 {
		return nil, ErrInvalidCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		store:    store,
		capacity: cfg.Capacity,
		maxAge:   cfg.MaxAge,
		metrics:  m,
		logger:   logger.Named("queue"),
	}, nil
}

// Capacity returns the per-user bound
func (q *Queue) Capacity() int {
	return q.capacity
}

// Enqueue appends env to the recipient's queue
func (q *Queue) Enqueue(ctx context.Context, env types.Envelope) error {
	if !types.IsValidUserID(env.RecipientID) {
		return ErrInvalidUserID
	}

	evicted, err := q.store.Append(ctx, env.RecipientID, env, q.capacity)
	if err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", env.ID, err)
	}
	q.recordEvictions(env.RecipientID, evicted)
	return nil
}

// Requeue puts envs back at the front of the user's queue in their original order
func (q *Queue) Requeue(ctx context.Context, userID string, envs []types.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	if !types.IsValidUserID(userID) {
		return ErrInvalidUserID
	}

	evicted, err := q.store.Prepend(ctx, userID, envs, q.capacity)
	if err != nil {
		return fmt.Errorf("failed to requeue %d messages: %w", len(envs), err)
	}
	q.recordEvictions(userID, evicted)
	return nil
}

func (q *Queue) recordEvictions(userID string, evicted int) {
	if evicted <= 0 {
		return
	}
	q.metrics.QueueEvicted(evicted)
	q.logger.Warn("offline queue full, evicted oldest",
		zap.String("user_id", userID),
		zap.Int("evicted", evicted),
		zap.Int("capacity", q.capacity),
		zap.Error(ErrQueueFull))
}

// Drain removes and returns the user's queue in FIFO order
func (q *Queue) Drain(ctx context.Context, userID string) ([]types.Envelope, error) {
	if !types.IsValidUserID(userID) {
		return nil, ErrInvalidUserID
	}

	envs, err := q.store.Take(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	q.metrics.QueueDrainedAdd(len(envs))
	return envs, nil
}

// Peek returns the user's queue without removing it
func (q *Queue) Peek(ctx context.Context, userID string) ([]types.Envelope, error) {
	if !types.IsValidUserID(userID) {
		return nil, ErrInvalidUserID
	}

	envs, err := q.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return envs, nil
}

// Clear drops the user's queue and returns how many messages it held
func (q *Queue) Clear(ctx context.Context, userID string) (int, error) {
	if !types.IsValidUserID(userID) {
		return 0, ErrInvalidUserID
	}

	n, err := q.store.Delete(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	return n, nil
}

func (q *Queue) Len(ctx context.Context, userID string) (int, error) {
	if !types.IsValidUserID(userID) {
		return 0, ErrInvalidUserID
	}
	return q.store.Len(ctx, userID)
}

// PruneOlderThan drops messages created before cutoff
func (q *Queue) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := q.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune queues: %w", err)
	}
	if n > 0 {
		q.metrics.QueueExpiredAdd(n)
		q.logger.Info("expired queued messages", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Expire prunes messages older than the configured max age. It is a no-op
// when expiry is disabled.
func (q *Queue) Expire(ctx context.Context, now time.Time) (int, error) {
	if q.maxAge <= 0 {
		return 0, nil
	}
	return q.PruneOlderThan(ctx, now.Add(-q.maxAge))
}
