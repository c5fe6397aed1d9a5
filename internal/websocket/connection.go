package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

const (
	defaultBufferSize   = 100
	defaultWriteTimeout = 5 * time.Second
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn          *websocket.Conn
	id            string
	writeCh       chan []byte // never closed; writers select on ctx instead
	writeTimeout  time.Duration
	userID        string
	deviceID      string
	expiresAt     time.Time
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	writerDone    chan struct{}
	closeOnce     sync.Once
	closeConnOnce sync.Once
	closeErr      error
	mu            sync.RWMutex // protects identity fields
}

// NewConnection wraps an upgraded socket and starts its writer.
// Zero bufferSize or writeTimeout fall back to 100 frames and 5s.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.NewString(),
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		writerDone:   make(chan struct{}),
	}

	go c.writeLoop()
	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case data := <-c.writeCh:
			if err := c.writeFrame(data, time.Now().Add(c.writeTimeout)); err != nil {
				// A dead peer must also unblock the reader
				c.cancel()
				c.closeConn()
				return
			}

		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

// flush writes frames queued before Close (an auth_error before the close,
// for instance) and then says goodbye. The whole flush shares one deadline.
func (c *Connection) flush() {
	deadline := time.Now().Add(c.writeTimeout)
	for {
		select {
		case data := <-c.writeCh:
			if err := c.writeFrame(data, deadline); err != nil {
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *Connection) writeFrame(data []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON queues v for the writer. It blocks at most the write timeout
// when the buffer is full.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Ping sends a control ping. Safe to call concurrently with the writer.
func (c *Connection) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close flushes queued frames and closes the socket. Safe to call repeatedly
// and from any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.writerDone
		c.closeConn()
	})
	return c.closeErr
}

func (c *Connection) closeConn() {
	c.closeConnOnce.Do(func() {
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
}

// Done is closed once the connection starts shutting down
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetCredentials binds the authenticated identity to the connection
func (c *Connection) SetCredentials(userID, deviceID string, expiresAt time.Time) error {
	if !types.IsValidUserID(userID) {
		return fmt.Errorf("invalid user id %q", userID)
	}
	if !types.IsValidDeviceID(deviceID) {
		return fmt.Errorf("invalid device id %q", deviceID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.deviceID = deviceID
	c.expiresAt = expiresAt
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetID() string {
	return c.id
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetDeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Connection) GetExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}
