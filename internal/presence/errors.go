package presence

import "errors"

var (
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrInvalidDeviceID = errors.New("invalid device id")
	ErrMissingConnID   = errors.New("connection id is required")
)
