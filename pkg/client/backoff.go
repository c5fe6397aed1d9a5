package client

import "time"

// Backoff computes reconnect delays: Base × 2^(attempt−1)
type Backoff struct {
	// Base is the delay before the first reconnect attempt
	Base time.Duration
	// MaxAttempts bounds automatic reconnects; past it the client is failed
	MaxAttempts int
	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultBackoff returns the production reconnect policy
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		MaxAttempts: 5,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait before attempt n (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.MaxDelay > 0 && delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt n is past the limit
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	return b
}
