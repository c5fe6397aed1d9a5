package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

// manualClock records scheduled callbacks; fire runs the active ones
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fire runs every timer active at call time, outside the clock lock
func (c *manualClock) fire() int {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

func (c *manualClock) active() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// fakeTransport pops one scripted result per dial; an empty script succeeds
type fakeTransport struct {
	mu     sync.Mutex
	script []error
	always error
	tokens []string
	conns  []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, token string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, token)

	var err error
	if len(t.script) > 0 {
		err, t.script = t.script[0], t.script[1:]
	} else {
		err = t.always
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

func (t *fakeTransport) lastConn(tb testing.TB) *fakeConn {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		tb.Fatal("no connection dialed")
	}
	return t.conns[len(t.conns)-1]
}

type fakeConn struct {
	mu       sync.Mutex
	written  []*types.Frame
	writeErr error
	inbound  chan *types.Frame
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan *types.Frame, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteFrame(frame *types.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return fmt.Errorf("%w: closed", ErrTransport)
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) ReadFrame() (*types.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return nil, fmt.Errorf("%w: closed", ErrTransport)
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, kind types.EventKind, data any) {
	t.Helper()
	frame, err := types.NewFrame(kind, data)
	if err != nil {
		t.Fatal(err)
	}
	c.inbound <- frame
}

func (c *fakeConn) events() []types.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventKind, len(c.written))
	for i, f := range c.written {
		out[i] = f.Event
	}
	return out
}

func (c *fakeConn) frames() []*types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Frame(nil), c.written...)
}

// statusRecorder collects connection_status payloads
type statusRecorder struct {
	mu       sync.Mutex
	statuses []ConnectionStatus
}

func (r *statusRecorder) handle(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, *evt.Status)
}

func (r *statusRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.State
	}
	return out
}

func (r *statusRecorder) last() ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ConnectionStatus{}
	}
	return r.statuses[len(r.statuses)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
