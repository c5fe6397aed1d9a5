package maintenance

import (
	"context"
	"time"
)

// Expirer drops queued envelopes older than the configured age
type Expirer interface {
	Expire(ctx context.Context, now time.Time) (int, error)
}

// Cleaner forgets rate limiter state idle for longer than idle
type Cleaner interface {
	Cleanup(idle time.Duration) int
}

// QueueExpiry returns the job sweeping expired offline messages
func QueueExpiry(q Expirer) JobFunc {
	return func(ctx context.Context) error {
		_, err := q.Expire(ctx, time.Now())
		return err
	}
}

// LimiterCleanup returns the job pruning idle rate limiter windows
func LimiterCleanup(l Cleaner, idle time.Duration) JobFunc {
	return func(context.Context) error {
		l.Cleanup(idle)
		return nil
	}
}
