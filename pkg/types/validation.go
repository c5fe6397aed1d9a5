package types

import (
	"encoding/json"
	"regexp"
)

// MaxPayloadBytes caps an envelope payload
const MaxPayloadBytes = 65536

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	userIDRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	messageIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Validate ensures the envelope meets all requirements.
// ID and CreatedAt are assigned by the router and are not required here.
func (e *Envelope) Validate() error {
	if !IsValidUserID(e.SenderID) {
		return ErrInvalidUserID
	}
	if !IsValidUserID(e.RecipientID) {
		return ErrInvalidUserID
	}
	if e.SenderID == e.RecipientID {
		return ErrSelfMessage
	}
	if e.ID != "" && !IsValidMessageID(e.ID) {
		return ErrInvalidMessageID
	}
	if !IsValidMessageType(e.Type) {
		return ErrInvalidMessageType
	}

	// TECHNICAL DISCOVERY: RawMessage is kept verbatim, so validity must be checked explicitly
	if len(e.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit prevents database issues
// and ensures reasonable display in UI components
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidDeviceID applies the user ID rules to device ids
func IsValidDeviceID(deviceID string) bool {
	return IsValidUserID(deviceID)
}

// IsValidMessageID accepts client-chosen ids long enough for a UUID
func IsValidMessageID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return messageIDRegex.MatchString(id)
}

// IsValidMessageType checks if the message type is one of the allowed types
func IsValidMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeText,
		MessageTypeImage,
		MessageTypeGIF,
		MessageTypeSticker,
		MessageTypeMatch,
		MessageTypeSystem:
		return true
	default:
		return false
	}
}
