package types

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of protocol events
type EventKind string

// Client to server
const (
	EventJoinRoom    EventKind = "join_room"
	EventLeaveRoom   EventKind = "leave_room"
	EventTypingStart EventKind = "typing_start"
	EventTypingStop  EventKind = "typing_stop"
	EventPing        EventKind = "ping"
)

// Both directions
const (
	EventMessage        EventKind = "message"
	EventPresenceUpdate EventKind = "presence_update"
)

// Server to client
const (
	EventUserOnline        EventKind = "user_online"
	EventUserOffline       EventKind = "user_offline"
	EventUserTyping        EventKind = "user_typing"
	EventUserStoppedTyping EventKind = "user_stopped_typing"
	EventAuthError         EventKind = "auth_error"
	EventPong              EventKind = "pong"
	EventAck               EventKind = "ack"
	EventError             EventKind = "error"
)

// EventConnectionStatus never crosses the wire; the client emits it on every
// lifecycle transition.
const EventConnectionStatus EventKind = "connection_status"

var knownEvents = map[EventKind]struct{}{
	EventJoinRoom:          {},
	EventLeaveRoom:         {},
	EventTypingStart:       {},
	EventTypingStop:        {},
	EventPing:              {},
	EventMessage:           {},
	EventPresenceUpdate:    {},
	EventUserOnline:        {},
	EventUserOffline:       {},
	EventUserTyping:        {},
	EventUserStoppedTyping: {},
	EventAuthError:         {},
	EventPong:              {},
	EventAck:               {},
	EventError:             {},
	EventConnectionStatus:  {},
}

// IsValid reports whether k is a known event
func (k EventKind) IsValid() bool {
	_, ok := knownEvents[k]
	return ok
}

// IsClientEvent reports whether clients may send k to the server
func (k EventKind) IsClientEvent() bool {
	switch k {
	case EventJoinRoom, EventLeaveRoom, EventMessage, EventTypingStart,
		EventTypingStop, EventPresenceUpdate, EventPing:
		return true
	default:
		return false
	}
}

// IsBroadcastable reports whether k may be fanned out to a room
func (k EventKind) IsBroadcastable() bool {
	switch k {
	case EventMessage, EventPresenceUpdate, EventUserOnline, EventUserOffline,
		EventUserTyping, EventUserStoppedTyping:
		return true
	default:
		return false
	}
}

// Frame is the JSON unit exchanged over the socket
type Frame struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a frame. A nil data yields a frame without payload.
func NewFrame(kind EventKind, data any) (*Frame, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}
	frame := &Frame{Event: kind}
	if data == nil {
		return frame, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	frame.Data = raw
	return frame, nil
}

// Decode unmarshals the frame payload into v
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// RoomRequest is the payload of join_room and leave_room
type RoomRequest struct {
	Room RoomID `json:"room"`
}

// TypingRequest is the payload of typing_start and typing_stop.
// ChannelID is the wire form of the room the typing notice is sent to.
type TypingRequest struct {
	ChannelID string `json:"channelId"`
}

// TypingNotice is the payload of user_typing and user_stopped_typing
type TypingNotice struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

// UserNotice is the payload of user_online and user_offline
type UserNotice struct {
	UserID string `json:"userId"`
}

// PresenceUpdate is the server to client presence_update payload
type PresenceUpdate struct {
	UserID       string       `json:"userId"`
	PresenceData PresenceData `json:"presenceData"`
}

// AckPayload answers a client message with its delivery outcome
type AckPayload struct {
	ID        string         `json:"id"`
	Delivered bool           `json:"delivered"`
	Method    DeliveryMethod `json:"method"`
}

// ErrorPayload reports a rejected frame
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
