package types

import (
	"fmt"
	"strings"
)

// RoomKind distinguishes personal inbox rooms from community broadcast rooms
type RoomKind string

const (
	RoomKindUser      RoomKind = "user"
	RoomKindCommunity RoomKind = "community"
)

// RoomID is a typed broadcast group id. Its wire form is "<kind>_<id>".
type RoomID struct {
	Kind RoomKind
	ID   string
}

// UserRoom returns the personal inbox room of a user
func UserRoom(userID string) RoomID {
	return RoomID{Kind: RoomKindUser, ID: userID}
}

// CommunityRoom returns the broadcast room of a community
func CommunityRoom(communityID string) RoomID {
	return RoomID{Kind: RoomKindCommunity, ID: communityID}
}

// ParseRoomID parses the wire form of a room id
func ParseRoomID(s string) (RoomID, error) {
	prefix, id, ok := strings.Cut(s, "_")
	if !ok {
		return RoomID{}, fmt.Errorf("%w: %q", ErrInvalidRoomID, s)
	}
	room := RoomID{Kind: RoomKind(prefix), ID: id}
	if err := room.Validate(); err != nil {
		return RoomID{}, fmt.Errorf("%w: %q", err, s)
	}
	return room, nil
}

// Validate checks the kind is known and the id is well formed
func (r RoomID) Validate() error {
	switch r.Kind {
	case RoomKindUser, RoomKindCommunity:
	default:
		return ErrInvalidRoomID
	}
	if !IsValidUserID(r.ID) {
		return ErrInvalidRoomID
	}
	return nil
}

// IsZero reports whether the room id is unset
func (r RoomID) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// IsPersonalRoomOf reports whether r is the inbox room of userID
func (r RoomID) IsPersonalRoomOf(userID string) bool {
	return r.Kind == RoomKindUser && r.ID == userID
}

func (r RoomID) String() string {
	return string(r.Kind) + "_" + r.ID
}

// MarshalText encodes the wire form so RoomID can be used directly in JSON payloads
func (r RoomID) MarshalText() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return []byte(r.String()), nil
}

// UnmarshalText rejects invalid room ids at decode time
func (r *RoomID) UnmarshalText(text []byte) error {
	parsed, err := ParseRoomID(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
