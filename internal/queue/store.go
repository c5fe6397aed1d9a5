package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

var (
	ErrInvalidCapacity = errors.New("queue capacity must be positive")
	ErrInvalidUserID   = errors.New("invalid user id")
	// ErrQueueFull is recorded when an enqueue evicts older messages. It is
	// never returned to senders.
	ErrQueueFull = errors.New("offline queue full")
)

// Store persists per-user FIFO queues of envelopes. Implementations must keep
// at most capacity envelopes per user, evicting from the front.
type Store interface {
	// Append adds env at the back and returns how many envelopes were evicted
	Append(ctx context.Context, userID string, env types.Envelope, capacity int) (int, error)
	// Prepend puts envs back at the front in order. Overflow still evicts
	// the oldest envelopes, which are the front of envs.
	Prepend(ctx context.Context, userID string, envs []types.Envelope, capacity int) (int, error)
	// Take removes and returns the whole queue in FIFO order
	Take(ctx context.Context, userID string) ([]types.Envelope, error)
	// List returns the queue without removing it
	List(ctx context.Context, userID string) ([]types.Envelope, error)
	// Delete drops the queue and returns how many envelopes it held
	Delete(ctx context.Context, userID string) (int, error)
	Len(ctx context.Context, userID string) (int, error)
	// PruneBefore drops envelopes created before cutoff across all users
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}
