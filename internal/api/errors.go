package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sevans717/aphila-sub008/internal/delivery"
	"github.com/sevans717/aphila-sub008/internal/presence"
	"github.com/sevans717/aphila-sub008/pkg/interfaces"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

var (
	ErrForbidden    = errors.New("operation not allowed for this user")
	ErrNoHistory    = errors.New("message history is not configured")
	ErrInvalidLimit = errors.New("limit must be between 1 and 200")
)

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidToken),
		errors.Is(err, interfaces.ErrTokenExpired),
		errors.Is(err, interfaces.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, delivery.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNoHistory):
		return http.StatusNotImplemented
	case errors.Is(err, delivery.ErrInvalidEnvelope),
		errors.Is(err, delivery.ErrNotBroadcastable),
		errors.Is(err, presence.ErrInvalidUserID),
		errors.Is(err, types.ErrInvalidUserID),
		errors.Is(err, types.ErrInvalidRoomID),
		errors.Is(err, types.ErrInvalidPayload),
		errors.Is(err, types.ErrUnknownEvent),
		errors.Is(err, types.ErrInvalidStatus),
		errors.Is(err, types.ErrEmptyPresenceUpdate),
		errors.Is(err, ErrInvalidLimit):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error body. Server errors never leak their cause.
func abortWithError(c *gin.Context, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "internal error"
	}
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Code:    http.StatusBadRequest,
		Message: message,
	})
}
