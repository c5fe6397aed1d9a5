package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sevans717/aphila-sub008/internal/delivery"
	"github.com/sevans717/aphila-sub008/internal/presence"
	"github.com/sevans717/aphila-sub008/internal/queue"
	"github.com/sevans717/aphila-sub008/internal/rooms"
	"github.com/sevans717/aphila-sub008/pkg/interfaces"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

type mockConn struct {
	id, user, device string
	expiresAt        time.Time

	mu     sync.Mutex
	frames []*types.Frame
	closed bool
}

func (c *mockConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.frames = append(c.frames, v.(*types.Frame))
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) GetID() string           { return c.id }
func (c *mockConn) GetUserID() string       { return c.user }
func (c *mockConn) GetDeviceID() string     { return c.device }
func (c *mockConn) GetExpiresAt() time.Time { return c.expiresAt }

func (c *mockConn) snapshot() []*types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Frame(nil), c.frames...)
}

// waitFor polls until a frame of kind arrives
func (c *mockConn) waitFor(t *testing.T, kind types.EventKind) *types.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range c.snapshot() {
			if f.Event == kind {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never received %s; got %d frames", c.id, kind, len(c.snapshot()))
	return nil
}

type mockDirectory struct {
	mu    sync.Mutex
	conns map[string]*mockConn
}

func (d *mockDirectory) GetConnection(id string) (interfaces.Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (d *mockDirectory) GetUserConnections(userID string) []interfaces.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []interfaces.Connection
	for _, c := range d.conns {
		if c.user == userID {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	hub      *Hub
	dir      *mockDirectory
	presence *presence.Registry
	rooms    *rooms.Membership
	queue    *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		dir:      &mockDirectory{conns: map[string]*mockConn{}},
		presence: presence.NewRegistry(nil, logger),
		rooms:    rooms.NewMembership(),
	}
	f.queue, _ = queue.New(queue.NewMemoryStore(), queue.Config{}, nil, logger)

	router, err := delivery.NewRouter(delivery.Dependencies{
		Presence:  f.presence,
		Rooms:     f.rooms,
		Directory: f.dir,
		Queue:     f.queue,
		Limiter:   delivery.NewRateLimiter(100, time.Minute),
		Logger:    logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	f.hub = NewHub(Config{Workers: 4, BufferSize: 16}, router, f.presence, f.rooms, nil, logger)
	if err := f.hub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.hub.Stop() })
	return f
}

func (f *fixture) attach(t *testing.T, id, user, device string) *mockConn {
	t.Helper()
	c := &mockConn{id: id, user: user, device: device}
	f.dir.mu.Lock()
	f.dir.conns[id] = c
	f.dir.mu.Unlock()
	if err := f.hub.Attach(context.Background(), c); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return c
}

func frame(t *testing.T, kind types.EventKind, data any) *types.Frame {
	t.Helper()
	f, err := types.NewFrame(kind, data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// Architectural Validation Tests

func TestHub_StartStop(t *testing.T) {
	h := NewHub(Config{}, nil, nil, nil, nil, nil)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := h.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := h.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
	if err := h.Dispatch(&mockConn{id: "c1"}, &types.Frame{Event: types.EventPing}); err != ErrHubNotRunning {
		t.Errorf("Dispatch on stopped hub = %v", err)
	}
}

// Functional Validation Tests - attach and detach

func TestHub_AttachDeliversQueuedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.queue.Enqueue(ctx, types.Envelope{ID: fmt.Sprintf("m%d", i), SenderID: "alice", RecipientID: "bob", Type: types.MessageTypeText})
	}

	bob := f.attach(t, "c1", "bob", "phone")

	if !f.presence.IsOnline("bob") {
		t.Error("attach should mark the device online")
	}
	if !f.rooms.IsMember("c1", types.UserRoom("bob")) {
		t.Error("attach should join the personal room")
	}
	frames := bob.snapshot()
	if len(frames) != 2 || frames[0].Event != types.EventMessage {
		t.Fatalf("expected 2 queued messages on attach, got %d", len(frames))
	}
	var first types.Envelope
	json.Unmarshal(frames[0].Data, &first)
	if first.ID != "m0" {
		t.Errorf("first delivered = %s, want m0", first.ID)
	}
}

func TestHub_DetachReplacedKeepsPresence(t *testing.T) {
	f := newFixture(t)
	old := f.attach(t, "c1", "bob", "phone")
	f.attach(t, "c2", "bob", "phone")

	f.hub.Detach(old, false)
	if !f.presence.IsOnline("bob") {
		t.Error("detaching a replaced connection must not flip presence")
	}
	if len(f.rooms.RoomsOf("c1")) != 0 {
		t.Error("replaced connection should leave all rooms")
	}

	f.hub.Detach(&mockConn{id: "c2", user: "bob", device: "phone"}, true)
	if f.presence.IsOnline("bob") {
		t.Error("detaching the current connection should mark the device offline")
	}
}

// FUNCTIONAL VALIDATION TEST: the old connection of a device can finish its
// detach after the successor attached; the successor keeps the user online
func TestHub_LateDetachOfReplacedConnection(t *testing.T) {
	f := newFixture(t)
	old := &mockConn{id: "c-old", user: "bob", device: "phone"}
	f.attach(t, "c-old", "bob", "phone")
	f.attach(t, "c-new", "bob", "phone")

	// Unregister of the old connection ran before the successor registered
	f.hub.Detach(old, true)

	rec := f.presence.GetPresence("bob")
	if !rec.IsOnline() || len(rec.Devices) != 1 || rec.Devices[0] != "phone" {
		t.Fatalf("bob should stay online on his phone, got %+v", rec)
	}
	if !f.rooms.IsMember("c-new", types.UserRoom("bob")) {
		t.Error("successor should keep its personal room")
	}
}

// Functional Validation Tests - events

func TestHub_MessageAck(t *testing.T) {
	f := newFixture(t)
	alice := f.attach(t, "c-alice", "alice", "phone")
	bob := f.attach(t, "c-bob", "bob", "phone")

	// senderId is forced to the connection's user
	env := types.Envelope{ID: "client-1", SenderID: "mallory", RecipientID: "bob", Type: types.MessageTypeText}
	if err := f.hub.Dispatch(alice, frame(t, types.EventMessage, env)); err != nil {
		t.Fatal(err)
	}

	var ack types.AckPayload
	alice.waitFor(t, types.EventAck).Decode(&ack)
	if ack.ID != "client-1" || !ack.Delivered || ack.Method != types.DeliveryDirect {
		t.Errorf("ack = %+v", ack)
	}

	var got types.Envelope
	bob.waitFor(t, types.EventMessage).Decode(&got)
	if got.SenderID != "alice" {
		t.Errorf("senderId = %s, want alice", got.SenderID)
	}
}

func TestHub_MessageRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.attach(t, "c-alice", "alice", "phone")

	env := types.Envelope{RecipientID: "alice", Type: types.MessageTypeText}
	f.hub.Dispatch(alice, frame(t, types.EventMessage, env))

	var e types.ErrorPayload
	alice.waitFor(t, types.EventError).Decode(&e)
	if e.Code != CodeMessageRejected {
		t.Errorf("error code = %s", e.Code)
	}
}

func TestHub_JoinRoomRules(t *testing.T) {
	f := newFixture(t)
	alice := f.attach(t, "c-alice", "alice", "phone")

	f.hub.Dispatch(alice, frame(t, types.EventJoinRoom, types.RoomRequest{Room: types.UserRoom("bob")}))
	var e types.ErrorPayload
	alice.waitFor(t, types.EventError).Decode(&e)
	if e.Code != CodeForbiddenRoom {
		t.Errorf("error code = %s, want forbidden_room", e.Code)
	}

	f.hub.Dispatch(alice, frame(t, types.EventJoinRoom, types.RoomRequest{Room: types.CommunityRoom("hiking")}))
	f.hub.Dispatch(alice, frame(t, types.EventPing, nil))
	alice.waitFor(t, types.EventPong)
	if !f.rooms.IsMember("c-alice", types.CommunityRoom("hiking")) {
		t.Error("alice should have joined hiking")
	}

	f.hub.Dispatch(alice, frame(t, types.EventLeaveRoom, types.RoomRequest{Room: types.UserRoom("alice")}))
	f.hub.Dispatch(alice, frame(t, types.EventLeaveRoom, types.RoomRequest{Room: types.CommunityRoom("hiking")}))
	deadline := time.Now().Add(2 * time.Second)
	for f.rooms.IsMember("c-alice", types.CommunityRoom("hiking")) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.rooms.IsMember("c-alice", types.CommunityRoom("hiking")) {
		t.Error("alice should have left hiking")
	}
	if !f.rooms.IsMember("c-alice", types.UserRoom("alice")) {
		t.Error("leaving the personal room is ignored")
	}
}

func TestHub_TypingExcludesSender(t *testing.T) {
	f := newFixture(t)
	room := types.CommunityRoom("hiking")
	alice := f.attach(t, "c-alice", "alice", "phone")
	bob := f.attach(t, "c-bob", "bob", "phone")
	f.rooms.Join(alice.id, room)
	f.rooms.Join(bob.id, room)

	f.hub.Dispatch(alice, frame(t, types.EventTypingStart, types.TypingRequest{ChannelID: room.String()}))

	var notice types.TypingNotice
	bob.waitFor(t, types.EventUserTyping).Decode(&notice)
	if notice.UserID != "alice" || notice.ChannelID != "community_hiking" {
		t.Errorf("notice = %+v", notice)
	}

	f.hub.Dispatch(alice, frame(t, types.EventPing, nil))
	alice.waitFor(t, types.EventPong)
	for _, fr := range alice.snapshot() {
		if fr.Event == types.EventUserTyping {
			t.Error("sender should not receive its own typing notice")
		}
	}
}

func TestHub_TypingRequiresMembership(t *testing.T) {
	f := newFixture(t)
	alice := f.attach(t, "c-alice", "alice", "phone")

	f.hub.Dispatch(alice, frame(t, types.EventTypingStart, types.TypingRequest{ChannelID: "community_secret"}))
	var e types.ErrorPayload
	alice.waitFor(t, types.EventError).Decode(&e)
	if e.Code != CodeForbiddenRoom {
		t.Errorf("error code = %s", e.Code)
	}
}

func TestHub_PresenceUpdate(t *testing.T) {
	f := newFixture(t)
	alice := f.attach(t, "c-alice", "alice", "phone")
	hidden := false

	f.hub.Dispatch(alice, frame(t, types.EventPresenceUpdate, types.PresenceData{Status: types.StatusAway, Visible: &hidden}))
	f.hub.Dispatch(alice, frame(t, types.EventPing, nil))
	alice.waitFor(t, types.EventPong)

	rec := f.presence.GetPresence("alice")
	if rec.Status != types.StatusAway || rec.Visible {
		t.Errorf("presence = %+v", rec)
	}

	f.hub.Dispatch(alice, frame(t, types.EventPresenceUpdate, types.PresenceData{Status: types.StatusOffline}))
	alice.waitFor(t, types.EventError)
}

func TestHub_PingWithExpiredToken(t *testing.T) {
	f := newFixture(t)
	c := &mockConn{id: "c1", user: "alice", device: "phone", expiresAt: time.Now().Add(-time.Minute)}

	f.hub.Dispatch(c, frame(t, types.EventPing, nil))
	c.waitFor(t, types.EventAuthError)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("connection with expired token should be closed")
}

func TestHub_UnknownEvent(t *testing.T) {
	f := newFixture(t)
	c := f.attach(t, "c1", "alice", "phone")

	f.hub.Dispatch(c, &types.Frame{Event: types.EventPong})
	var e types.ErrorPayload
	c.waitFor(t, types.EventError).Decode(&e)
	if e.Code != CodeUnknownEvent {
		t.Errorf("error code = %s", e.Code)
	}
}

// Technical Validation Tests

func TestHub_PerConnectionOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.attach(t, "c-alice", "alice", "phone")
	bob := f.attach(t, "c-bob", "bob", "phone")

	const n = 12
	for i := 0; i < n; i++ {
		env := types.Envelope{ID: fmt.Sprintf("m%02d", i), RecipientID: "bob", Type: types.MessageTypeText}
		if err := f.hub.Dispatch(alice, frame(t, types.EventMessage, env)); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(bob.snapshot()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	frames := bob.snapshot()
	if len(frames) != n {
		t.Fatalf("bob got %d messages, want %d", len(frames), n)
	}
	for i, fr := range frames {
		var env types.Envelope
		fr.Decode(&env)
		if want := fmt.Sprintf("m%02d", i); env.ID != want {
			t.Fatalf("message %d = %s, want %s", i, env.ID, want)
		}
	}
}

func TestHub_DispatchFullChannel(t *testing.T) {
	h := NewHub(Config{Workers: 1, BufferSize: 1}, nil, nil, nil, nil, zaptest.NewLogger(t))
	// Mark running without workers so nothing drains the shard
	h.running = true
	c := &mockConn{id: "c1", user: "alice"}

	if err := h.Dispatch(c, &types.Frame{Event: types.EventPing}); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	if err := h.Dispatch(c, &types.Frame{Event: types.EventPing}); !errors.Is(err, ErrEventChannelFull) {
		t.Errorf("second Dispatch = %v, want ErrEventChannelFull", err)
	}
	c.waitFor(t, types.EventError)
}
