package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrEventChannelFull  = errors.New("event channel is full")
	ErrForbiddenRoom     = errors.New("cannot join another user's personal room")
)

// Error codes sent to clients in error frames
const (
	CodeInvalidPayload  = "invalid_payload"
	CodeForbiddenRoom   = "forbidden_room"
	CodeRateLimited     = "rate_limited"
	CodeMessageRejected = "message_rejected"
	CodeUnknownEvent    = "unknown_event"
	CodeBusy            = "busy"
)
