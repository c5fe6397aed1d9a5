// Package client is the realtime client library: a connection state machine
// with exponential reconnect backoff, a heartbeat monitor, an event
// dispatcher, and an HTTP fallback client for callers without a socket.
//
// All state transitions are serialized on one mutex. Every transition emits
// a connection_status event after the mutex is released, so handlers may
// call back into the client.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

const (
	DefaultOutboxSize  = 100
	DefaultDialTimeout = 10 * time.Second
)

var (
	ErrTransportRequired   = errors.New("transport is required")
	ErrCredentialsRequired = errors.New("credential store is required")
)

// Options configure a Client. Transport and Credentials are required.
type Options struct {
	Transport          Transport
	Credentials        CredentialStore
	Backoff            Backoff
	HeartbeatInterval  time.Duration
	HeartbeatThreshold int
	// OutboxSize bounds messages held while not connected; the oldest is dropped
	OutboxSize  int
	DialTimeout time.Duration
	Clock       Clock
	Logger      *zap.Logger
}

// Client owns one logical connection to the realtime server
type Client struct {
	transport   Transport
	creds       CredentialStore
	backoff     Backoff
	hbInterval  time.Duration
	hbThreshold int
	outboxSize  int
	dialTimeout time.Duration
	clock       Clock
	logger      *zap.Logger
	events      *Dispatcher
	now         func() time.Time

	mu      sync.Mutex
	state   State
	attempt int
	// gen invalidates dials, timers and read loops of earlier connections
	gen     uint64
	conn    Conn
	hb      *heartbeat
	retry   Timer
	userID  string
	outbox  []types.Envelope
	pending []ConnectionStatus
}

func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, ErrTransportRequired
	}
	if opts.Credentials == nil {
		return nil, ErrCredentialsRequired
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatThreshold <= 0 {
		opts.HeartbeatThreshold = DefaultHeartbeatThreshold
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("client")

	return &Client{
		transport:   opts.Transport,
		creds:       opts.Credentials,
		backoff:     opts.Backoff.withDefaults(),
		hbInterval:  opts.HeartbeatInterval,
		hbThreshold: opts.HeartbeatThreshold,
		outboxSize:  opts.OutboxSize,
		dialTimeout: opts.DialTimeout,
		clock:       opts.Clock,
		logger:      logger,
		events:      NewDispatcher(logger),
		now:         time.Now,
		state:       StateDisconnected,
	}, nil
}

// On subscribes to server events and connection_status
func (c *Client) On(kind types.EventKind, h Handler) (Subscription, error) {
	return c.events.On(kind, h)
}

func (c *Client) Off(sub Subscription) bool {
	return c.events.Off(sub)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the reconnect attempt counter
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Pending returns the number of messages waiting for a connection
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Connect starts a fresh connection cycle and performs the first handshake.
// It fails immediately with ErrNotAuthenticated when no token is stored.
// A transport failure is returned and also schedules automatic reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	creds, ok := c.creds.Credentials()
	if !ok {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}

	c.cancelRetryLocked()
	c.attempt = 0
	c.gen++
	gen := c.gen
	c.userID = creds.UserID
	c.transitionLocked(StateConnecting, nil, 0)
	c.unlockAndNotify()

	return c.dial(ctx, gen, creds.Token)
}

// Disconnect closes the connection and cancels any pending reconnect
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelRetryLocked()
	c.teardownLocked()
	c.attempt = 0
	if c.state != StateDisconnected {
		c.transitionLocked(StateDisconnected, nil, 0)
	}
	c.unlockAndNotify()
}

// SendMessage writes env when connected and holds it in the outbox
// otherwise. It returns the message id used for the ack.
func (c *Client) SendMessage(env types.Envelope) string {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = c.now().UTC()
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.enqueueLocked(env)
		c.unlockAndNotify()
		return env.ID
	}
	if !c.sendEnvelopeLocked(env) {
		c.enqueueLocked(env)
	}
	c.unlockAndNotify()
	return env.ID
}

// JoinRoom is dropped when not connected
func (c *Client) JoinRoom(room types.RoomID) {
	c.sendIfConnected(types.EventJoinRoom, types.RoomRequest{Room: room})
}

// LeaveRoom is dropped when not connected
func (c *Client) LeaveRoom(room types.RoomID) {
	c.sendIfConnected(types.EventLeaveRoom, types.RoomRequest{Room: room})
}

// SendTyping sends typing_start or typing_stop for room
func (c *Client) SendTyping(room types.RoomID, typing bool) {
	kind := types.EventTypingStop
	if typing {
		kind = types.EventTypingStart
	}
	c.sendIfConnected(kind, types.TypingRequest{ChannelID: room.String()})
}

// UpdatePresence is dropped when not connected
func (c *Client) UpdatePresence(data types.PresenceData) {
	c.sendIfConnected(types.EventPresenceUpdate, data)
}

func (c *Client) sendIfConnected(kind types.EventKind, payload any) {
	frame, err := types.NewFrame(kind, payload)
	if err != nil {
		c.logger.Debug("dropping outbound frame", zap.String("event", string(kind)), zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.state == StateConnected {
		c.sendLocked(frame)
	}
	c.unlockAndNotify()
}

func (c *Client) dial(ctx context.Context, gen uint64, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.transport.Dial(dialCtx, token)
	cancel()

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		// Superseded by Disconnect or a newer Connect
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			c.rejectLocked(err)
		} else {
			c.failLocked(err)
		}
		c.unlockAndNotify()
		return err
	}

	c.openLocked(gen, conn)
	c.unlockAndNotify()
	return nil
}

// reconnect runs when a backoff timer fires
func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateError {
		c.mu.Unlock()
		return
	}
	c.retry = nil

	creds, ok := c.creds.Credentials()
	if !ok {
		c.transitionLocked(StateError, ErrNotAuthenticated, 0)
		c.unlockAndNotify()
		return
	}
	c.userID = creds.UserID
	c.transitionLocked(StateConnecting, nil, 0)
	c.unlockAndNotify()

	_ = c.dial(context.Background(), gen, creds.Token)
}

// openLocked completes a handshake: counter reset, heartbeat, outbox flush,
// personal room join
func (c *Client) openLocked(gen uint64, conn Conn) {
	c.conn = conn
	c.attempt = 0
	c.hb = newHeartbeat(c.clock, c.hbInterval, c.hbThreshold,
		func() { c.ping(gen) },
		func() { c.heartbeatDead(gen) },
	)
	c.transitionLocked(StateConnected, nil, 0)
	c.hb.start()

	go c.readLoop(gen, conn)

	if !c.flushLocked() {
		return
	}
	frame, err := types.NewFrame(types.EventJoinRoom, types.RoomRequest{Room: types.UserRoom(c.userID)})
	if err != nil {
		c.logger.Error("failed to build personal room join", zap.String("user_id", c.userID), zap.Error(err))
		return
	}
	c.sendLocked(frame)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				c.logger.Debug("skipping malformed frame", zap.Error(err))
				continue
			}
			c.connectionLost(gen, err)
			return
		}
		c.handleFrame(gen, frame)
	}
}

func (c *Client) handleFrame(gen uint64, frame *types.Frame) {
	switch frame.Event {
	case types.EventPong:
		c.mu.Lock()
		if gen == c.gen && c.hb != nil {
			c.hb.pong()
		}
		c.mu.Unlock()
	case types.EventAuthError:
		c.mu.Lock()
		if gen == c.gen {
			c.rejectLocked(ErrAuthRejected)
		}
		c.unlockAndNotify()
	}
	c.events.Emit(frame.Event, Event{Frame: frame})
}

func (c *Client) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if gen == c.gen && c.state == StateConnected {
		c.logger.Info("connection lost", zap.Error(err))
		c.breakLocked(err)
	}
	c.unlockAndNotify()
}

func (c *Client) ping(gen uint64) {
	frame, _ := types.NewFrame(types.EventPing, nil)

	c.mu.Lock()
	if gen == c.gen && c.state == StateConnected {
		c.sendLocked(frame)
	}
	c.unlockAndNotify()
}

func (c *Client) heartbeatDead(gen uint64) {
	c.mu.Lock()
	if gen == c.gen && c.state == StateConnected {
		c.logger.Warn("heartbeat missed, forcing reconnect", zap.Int("threshold", c.hbThreshold))
		c.breakLocked(fmt.Errorf("%w: %d pongs missed", ErrTransport, c.hbThreshold))
	}
	c.unlockAndNotify()
}

// breakLocked moves a live connection to error and schedules a reconnect
func (c *Client) breakLocked(err error) {
	c.teardownLocked()
	c.failLocked(err)
}

// failLocked enters error with a scheduled reconnect, or failed once the
// attempts are exhausted
func (c *Client) failLocked(err error) {
	next := c.attempt + 1
	if c.backoff.Exhausted(next) {
		c.transitionLocked(StateError, err, 0)
		c.transitionLocked(StateFailed, err, 0)
		return
	}

	c.attempt = next
	delay := c.backoff.Delay(next)
	gen := c.gen
	c.retry = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.transitionLocked(StateError, err, delay)
}

// rejectLocked handles server credential rejection: no automatic reconnect
func (c *Client) rejectLocked(err error) {
	c.teardownLocked()
	c.cancelRetryLocked()
	c.attempt = 0
	c.creds.Clear()
	c.logger.Warn("credentials rejected by server", zap.Error(err))
	c.transitionLocked(StateError, err, 0)
}

// teardownLocked stops the heartbeat and closes the transport
func (c *Client) teardownLocked() {
	c.gen++
	if c.hb != nil {
		c.hb.stop()
		c.hb = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) cancelRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// sendLocked writes frame and breaks the connection on failure
func (c *Client) sendLocked(frame *types.Frame) bool {
	if c.conn == nil {
		return false
	}
	if err := c.conn.WriteFrame(frame); err != nil {
		c.logger.Debug("write failed", zap.String("event", string(frame.Event)), zap.Error(err))
		c.breakLocked(err)
		return false
	}
	return true
}

func (c *Client) sendEnvelopeLocked(env types.Envelope) bool {
	if env.SenderID == "" {
		env.SenderID = c.userID
	}
	frame, err := types.NewFrame(types.EventMessage, env)
	if err != nil {
		c.logger.Error("dropping unencodable message", zap.String("message_id", env.ID), zap.Error(err))
		return true
	}
	return c.sendLocked(frame)
}

// flushLocked writes the outbox in order. On failure the unsent tail stays queued.
func (c *Client) flushLocked() bool {
	for len(c.outbox) > 0 {
		if !c.sendEnvelopeLocked(c.outbox[0]) {
			return false
		}
		c.outbox = c.outbox[1:]
	}
	c.outbox = nil
	return true
}

func (c *Client) enqueueLocked(env types.Envelope) {
	if len(c.outbox) >= c.outboxSize {
		dropped := c.outbox[0]
		c.outbox = append(c.outbox[:0:0], c.outbox[1:]...)
		c.logger.Warn("outbox full, dropping oldest message",
			zap.String("message_id", dropped.ID), zap.Int("capacity", c.outboxSize))
	}
	c.outbox = append(c.outbox, env)
}

func (c *Client) transitionLocked(to State, err error, retryIn time.Duration) {
	from := c.state
	c.state = to
	c.pending = append(c.pending, ConnectionStatus{
		State:    to,
		Previous: from,
		Attempt:  c.attempt,
		RetryIn:  retryIn,
		Err:      err,
	})
	c.logger.Debug("connection state changed",
		zap.String("from", string(from)), zap.String("to", string(to)), zap.Int("attempt", c.attempt), zap.Error(err))
}

// unlockAndNotify releases mu and emits the transitions recorded under it
func (c *Client) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i := range pending {
		status := pending[i]
		c.events.Emit(types.EventConnectionStatus, Event{Status: &status})
	}
}
