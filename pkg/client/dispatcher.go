package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

// Event is what subscribers receive. Frame is set for server events,
// Status for connection_status.
type Event struct {
	Kind   types.EventKind
	Frame  *types.Frame
	Status *ConnectionStatus
}

// Decode unmarshals the server payload into v
func (e Event) Decode(v any) error {
	if e.Frame == nil {
		return types.ErrInvalidPayload
	}
	return e.Frame.Decode(v)
}

// Handler receives dispatched events on the emitting goroutine
type Handler func(Event)

// Subscription identifies one registered handler
type Subscription struct {
	kind types.EventKind
	id   uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Dispatcher maps event kinds to subscriber lists
// ARCHITECTURAL DISCOVERY: Emit iterates a snapshot so handlers may
// subscribe or unsubscribe from inside a callback
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[types.EventKind][]subscriber
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[types.EventKind][]subscriber),
		logger:   logger,
	}
}

// On registers h for kind
func (d *Dispatcher) On(kind types.EventKind, h Handler) (Subscription, error) {
	if !kind.IsValid() {
		return Subscription{}, ErrUnknownEvent
	}
	if h == nil {
		return Subscription{}, ErrNilHandler
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[kind] = append(d.handlers[kind], subscriber{id: d.nextID, handler: h})
	return Subscription{kind: kind, id: d.nextID}, nil
}

// Off removes a subscription and reports whether it was registered
func (d *Dispatcher) Off(sub Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[sub.kind]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		// Copy so snapshots held by a running Emit stay intact
		next := make([]subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, sub.kind)
		} else {
			d.handlers[sub.kind] = next
		}
		return true
	}
	return false
}

// Emit runs every handler of kind synchronously. A panicking handler is
// logged and the remaining handlers still run.
func (d *Dispatcher) Emit(kind types.EventKind, evt Event) {
	evt.Kind = kind

	d.mu.RLock()
	snapshot := d.handlers[kind]
	d.mu.RUnlock()

	for _, s := range snapshot {
		d.invoke(s, evt)
	}
}

func (d *Dispatcher) invoke(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("event", string(evt.Kind)), zap.Uint64("subscription", s.id), zap.Any("panic", r))
		}
	}()
	s.handler(evt)
}

// Count returns the number of handlers registered for kind
func (d *Dispatcher) Count(kind types.EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}
