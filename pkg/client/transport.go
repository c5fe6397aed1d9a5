package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

// Conn is one established transport session
type Conn interface {
	WriteFrame(frame *types.Frame) error
	ReadFrame() (*types.Frame, error)
	Close() error
}

// Transport opens sessions authenticated by token
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebSocketTransport dials the server's /ws endpoint with gorilla/websocket
type WebSocketTransport struct {
	// URL is the server base URL; http(s) schemes are switched to ws(s)
	URL          string
	Path         string
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

func NewWebSocketTransport(baseURL string) *WebSocketTransport {
	return &WebSocketTransport{
		URL:          baseURL,
		Path:         "/ws",
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: 10 * time.Second,
	}
}

// Dial maps a 401/403 handshake answer to ErrAuthRejected and every other
// failure to ErrTransport
func (t *WebSocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	target, err := t.socketURL(token)
	if err != nil {
		return nil, err
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	writeTimeout := t.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{ws: ws, writeTimeout: writeTimeout}, nil
}

func (t *WebSocketTransport) socketURL(token string) (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	path := t.Path
	if path == "" {
		path = "/ws"
	}
	u.Path = path
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) WriteFrame(frame *types.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (c *wsConn) ReadFrame() (*types.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return &frame, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
