package websocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/pkg/interfaces"
)

// Registry tracks live connections by id and by user and device
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations
type Registry struct {
	mu     sync.RWMutex                      // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	byID   map[string]*Connection            // connID -> Connection
	byUser map[string]map[string]*Connection // userID -> deviceID -> Connection
	logger *zap.Logger
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// NewRegistry creates a new connection registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
		logger: logger.Named("registry"),
	}
}

// Register makes conn the current connection of its device and returns the
// connection it replaced, if any. The replaced connection is closed
// asynchronously.
func (r *Registry) Register(conn *Connection) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return nil, ErrConnectionNotAuthenticated
	}

	userID, deviceID := conn.GetUserID(), conn.GetDeviceID()

	r.mu.Lock()
	defer r.mu.Unlock()

	devices := r.byUser[userID]
	if devices == nil {
		devices = make(map[string]*Connection)
		r.byUser[userID] = devices
	}

	// FUNCTIONAL DISCOVERY: Close existing connection asynchronously to prevent deadlock
	// during registration while ensuring immediate replacement
	replaced := devices[deviceID]
	if replaced != nil && replaced != conn {
		delete(r.byID, replaced.GetID())
		go func() {
			if err := replaced.Close(); err != nil {
				r.logger.Debug("failed to close replaced connection",
					zap.String("conn_id", replaced.GetID()), zap.Error(err))
			}
		}()
	} else {
		replaced = nil
	}

	devices[deviceID] = conn
	r.byID[conn.GetID()] = conn
	return replaced, nil
}

// Unregister removes conn and reports whether it was still the current
// connection of its device.
// RACE CONDITION FIX: a replaced connection never removes its successor
func (r *Registry) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, conn.GetID())

	userID, deviceID := conn.GetUserID(), conn.GetDeviceID()
	devices := r.byUser[userID]
	if devices == nil || devices[deviceID] != conn {
		return false
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(r.byUser, userID)
	}
	return true
}

// IsCurrent reports whether conn is still the registered connection of its device
func (r *Registry) IsCurrent(conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[conn.GetUserID()][conn.GetDeviceID()] == conn
}

// GetConnection returns the live connection with the given id
func (r *Registry) GetConnection(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byID[connID]
	if !ok {
		return nil, false
	}
	return conn, true
}

// GetUserConnections returns a snapshot of every device connection of a user
func (r *Registry) GetUserConnections(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := r.byUser[userID]
	conns := make([]interfaces.Connection, 0, len(devices))
	for _, conn := range devices {
		conns = append(conns, conn)
	}
	return conns
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.byID), Users: len(r.byUser)}
}

// CloseAll closes every registered connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_ = c.Close()
		}(conn)
	}
	wg.Wait()
}
