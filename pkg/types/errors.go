package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserID       = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidDeviceID     = errors.New("device ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidMessageID    = errors.New("message ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRoomID       = errors.New("room ID must be user_<id> or community_<id>")
	ErrInvalidMessageType  = errors.New("invalid message type")
	ErrSelfMessage         = errors.New("sender and recipient must differ")
	ErrInvalidPayload      = errors.New("invalid JSON payload")
	ErrPayloadTooLarge     = errors.New("message payload exceeds 64KB limit")
	ErrInvalidStatus       = errors.New("status must be online or away")
	ErrEmptyPresenceUpdate = errors.New("presence update must set status or visibility")
	ErrUnknownEvent        = errors.New("unknown event")
)
