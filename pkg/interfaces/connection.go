package interfaces

import "time"

// Connection represents one live server-side transport session
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and delivery logic
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetID returns the server-assigned connection id
	GetID() string

	// GetUserID returns the connected user's ID
	GetUserID() string

	// GetDeviceID returns the device the connection belongs to
	GetDeviceID() string

	// GetExpiresAt returns the expiry of the token the connection was opened with
	GetExpiresAt() time.Time
}

// ConnectionDirectory resolves live connections for routing
// TECHNICAL DISCOVERY: Lookups return snapshots so callers never hold registry locks while writing
type ConnectionDirectory interface {
	// GetConnection returns the live connection with the given id
	GetConnection(connID string) (Connection, bool)

	// GetUserConnections returns every live connection of a user, one per device
	GetUserConnections(userID string) []Connection
}
