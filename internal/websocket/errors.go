package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
)

// Handler-related errors
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidFrame = errors.New("invalid frame")

	ErrConnectionReplaced = errors.New("connection replaced before attach")
)
