package types

import (
	"encoding/json"
	"time"
)

// Message type constants for routed envelopes
// ARCHITECTURAL DISCOVERY: Envelope type is a closed set so queue and archive rows
// never carry a type the client cannot render
const (
	MessageTypeText    = "text"
	MessageTypeImage   = "image"
	MessageTypeGIF     = "gif"
	MessageTypeSticker = "sticker"
	MessageTypeMatch   = "match"
	MessageTypeSystem  = "system"
)

// DeliveryMethod reports how the Delivery Router handled an envelope
type DeliveryMethod string

const (
	DeliveryDirect DeliveryMethod = "direct"
	DeliveryQueued DeliveryMethod = "queued"
)

// Envelope is the unit routed between users and held in offline queues.
// The same shape travels over the socket, the HTTP fallback and storage.
type Envelope struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"timestamp"`
}

// DeliveryOutcome is the result of a send
type DeliveryOutcome struct {
	Delivered bool           `json:"delivered"`
	Method    DeliveryMethod `json:"method"`
}

// Identity is the verified owner of a token
// FUNCTIONAL DISCOVERY: ExpiresAt snapshot lets the server re-check expiry on
// heartbeat without re-parsing the token
type Identity struct {
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the identity's token is past its expiry.
// A zero ExpiresAt never expires.
func (i *Identity) Expired(now time.Time) bool {
	if i == nil || i.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(i.ExpiresAt)
}

// StatusResponse is the live-state summary served by the fallback API
type StatusResponse struct {
	OnlineUsersCount int  `json:"onlineUsersCount"`
	IsOnline         bool `json:"isOnline"`
}
