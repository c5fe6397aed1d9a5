package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotAuthenticated is returned by Connect when no access token is stored
	ErrNotAuthenticated = errors.New("no access token available")

	// ErrAuthRejected means the server refused the credentials. Stored
	// credentials are cleared and no automatic reconnect follows.
	ErrAuthRejected = errors.New("server rejected credentials")

	// ErrTransport wraps network level failures; these are retried with backoff
	ErrTransport = errors.New("transport failure")

	ErrUnknownEvent = errors.New("unknown event kind")
	ErrNilHandler   = errors.New("handler must not be nil")

	// errMalformedFrame is skipped by the read loop; the session stays up
	errMalformedFrame = errors.New("malformed frame")
)

// StatusError is a non-2xx answer from the HTTP fallback API
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fallback request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("fallback request failed with status %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match a 401 answer with errors.Is(err, ErrAuthRejected)
func (e *StatusError) Is(target error) bool {
	return target == ErrAuthRejected && e.StatusCode == http.StatusUnauthorized
}
