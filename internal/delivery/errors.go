package delivery

import "errors"

var (
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrNotBroadcastable = errors.New("event cannot be broadcast to a room")
	// ErrDrainInterrupted is returned when a queued message could not be
	// written; it and everything after it are back at the front of the queue
	ErrDrainInterrupted = errors.New("queued delivery interrupted")
)
