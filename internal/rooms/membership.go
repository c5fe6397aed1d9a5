package rooms

import (
	"errors"
	"sort"
	"sync"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

var ErrInvalidConnectionID = errors.New("invalid connection id")

// Stats summarizes membership
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// Membership maps rooms to member connections and back.
// ARCHITECTURAL DISCOVERY: One lock covers both indexes so a MembersOf
// snapshot never observes a half-applied join or leave
type Membership struct {
	mu     sync.RWMutex
	byRoom map[types.RoomID]map[string]struct{}
	byConn map[string]map[types.RoomID]struct{}
}

func NewMembership() *Membership {
	return &Membership{
		byRoom: make(map[types.RoomID]map[string]struct{}),
		byConn: make(map[string]map[types.RoomID]struct{}),
	}
}

// Join adds connID to room. Joining twice is a no-op.
func (m *Membership) Join(connID string, room types.RoomID) error {
	if connID == "" {
		return ErrInvalidConnectionID
	}
	if err := room.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.byRoom[room]
	if !ok {
		members = make(map[string]struct{})
		m.byRoom[room] = members
	}
	members[connID] = struct{}{}

	joined, ok := m.byConn[connID]
	if !ok {
		joined = make(map[types.RoomID]struct{})
		m.byConn[connID] = joined
	}
	joined[room] = struct{}{}
	return nil
}

// Leave removes connID from room. Leaving a room not joined is a no-op.
func (m *Membership) Leave(connID string, room types.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(connID, room)
}

func (m *Membership) leaveLocked(connID string, room types.RoomID) {
	if members, ok := m.byRoom[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.byRoom, room)
		}
	}
	if joined, ok := m.byConn[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}
}

// MembersOf returns a sorted snapshot of the connections in room
func (m *Membership) MembersOf(room types.RoomID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]string, 0, len(m.byRoom[room]))
	for connID := range m.byRoom[room] {
		members = append(members, connID)
	}
	sort.Strings(members)
	return members
}

// RoomsOf returns a snapshot of the rooms connID has joined
func (m *Membership) RoomsOf(connID string) []types.RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedRooms(m.byConn[connID])
}

// IsMember reports whether connID is in room
func (m *Membership) IsMember(connID string, room types.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byRoom[room][connID]
	return ok
}

// RemoveConnection drops connID from every room and returns the rooms it left
func (m *Membership) RemoveConnection(connID string) []types.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()

	left := sortedRooms(m.byConn[connID])
	for _, room := range left {
		m.leaveLocked(connID, room)
	}
	return left
}

func (m *Membership) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Rooms: len(m.byRoom), Connections: len(m.byConn)}
}

func sortedRooms(set map[types.RoomID]struct{}) []types.RoomID {
	rooms := make([]types.RoomID, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].String() < rooms[j].String()
	})
	return rooms
}
