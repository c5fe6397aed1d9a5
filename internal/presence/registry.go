package presence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sevans717/aphila-sub008/internal/metrics"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

// Transition classifies how a change moved the device set
type Transition int

const (
	TransitionNone Transition = iota
	TransitionCameOnline
	TransitionWentOffline
)

// Change describes one status-affecting update.
// Previous and Current are full (unmasked) records.
type Change struct {
	UserID     string
	Previous   types.PresenceRecord
	Current    types.PresenceRecord
	Transition Transition
}

// Listener receives changes after the user's lock has been released. Changes
// of one user arrive in the order they were applied; a change overtaken by a
// newer one is not delivered. A listener must not change the presence of the
// user it is notified about.
type Listener func(Change)

type entry struct {
	mu        sync.Mutex
	devices   map[string]string // deviceID -> id of the connection that owns it
	preferred types.PresenceStatus // online or away, applied while any device is connected
	visible   bool
	lastSeen  time.Time
	seq       uint64 // bumped by every publishable change

	pubMu     sync.Mutex
	published uint64
}

func newEntry() *entry {
	return &entry{
		devices:   make(map[string]string),
		preferred: types.StatusOnline,
		visible:   true,
	}
}

// record must be called with e.mu held
func (e *entry) record(userID string) types.PresenceRecord {
	rec := types.PresenceRecord{
		UserID:   userID,
		Status:   types.StatusOffline,
		LastSeen: e.lastSeen,
		Devices:  make([]string, 0, len(e.devices)),
		Visible:  e.visible,
	}
	for d := range e.devices {
		rec.Devices = append(rec.Devices, d)
	}
	sort.Strings(rec.Devices)
	if len(e.devices) > 0 {
		rec.Status = e.preferred
	}
	return rec
}

// Registry is the authoritative map of who is online on which devices
// ARCHITECTURAL DISCOVERY: The registry lock only guards the user map;
// every user has its own lock so updates for different users never contend
type Registry struct {
	mu    sync.RWMutex
	users map[string]*entry

	online   atomic.Int64
	listener Listener
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry. metrics and logger may be nil.
func NewRegistry(m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		users:   make(map[string]*entry),
		metrics: m,
		logger:  logger.Named("presence"),
		now:     time.Now,
	}
}

// SetListener installs the change listener. Call before serving traffic.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

func (r *Registry) lookup(userID string) *entry {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	return e
}

func (r *Registry) getOrCreate(userID string) *entry {
	if e := r.lookup(userID); e != nil {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.users[userID]; ok {
		return e
	}
	e := newEntry()
	r.users[userID] = e
	return e
}

// update applies fn to the user's entry under its lock and publishes the change
// if the visible record differs
func (r *Registry) update(userID string, fn func(e *entry)) Change {
	e := r.getOrCreate(userID)

	e.mu.Lock()
	prev := e.record(userID)
	fn(e)
	cur := e.record(userID)

	change := Change{UserID: userID, Previous: prev, Current: cur}
	switch {
	case !prev.IsOnline() && cur.IsOnline():
		change.Transition = TransitionCameOnline
	case prev.IsOnline() && !cur.IsOnline():
		change.Transition = TransitionWentOffline
	}
	publishable := change.Transition != TransitionNone || prev.Status != cur.Status || prev.Visible != cur.Visible
	var seq uint64
	if publishable {
		e.seq++
		seq = e.seq
	}
	e.mu.Unlock()

	switch change.Transition {
	case TransitionCameOnline:
		r.metrics.SetOnlineUsers(int(r.online.Add(1)))
	case TransitionWentOffline:
		r.metrics.SetOnlineUsers(int(r.online.Add(-1)))
	}

	if publishable {
		r.publish(e, seq, change)
	}
	return change
}

// publish hands change to the listener unless a newer change of the same
// user has already been published
func (r *Registry) publish(e *entry, seq uint64, change Change) {
	r.mu.RLock()
	l := r.listener
	r.mu.RUnlock()
	if l == nil {
		return
	}

	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if seq <= e.published {
		r.logger.Debug("dropping superseded presence change",
			zap.String("user_id", change.UserID), zap.Uint64("seq", seq), zap.Uint64("published", e.published))
		return
	}
	e.published = seq

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("presence listener panicked",
				zap.String("user_id", change.UserID),
				zap.Any("panic", rec))
		}
	}()
	l(change)
}

// MarkOnline adds a device to the user's online set, owned by connID. A newer
// connection for the same device takes the device over. Repeating it for the
// same device changes nothing visible.
func (r *Registry) MarkOnline(userID, deviceID, connID string) (Change, error) {
	if err := validate(userID, deviceID, connID); err != nil {
		return Change{}, err
	}

	change := r.update(userID, func(e *entry) {
		e.devices[deviceID] = connID
		e.lastSeen = r.now()
	})

	if change.Transition == TransitionCameOnline {
		r.logger.Info("user online", zap.String("user_id", userID), zap.String("device_id", deviceID))
	}
	return change, nil
}

// MarkOffline removes a device if connID still owns it. The user goes offline
// when the last device leaves; LastSeen records that moment. Unknown users and
// superseded connections are a no-op.
func (r *Registry) MarkOffline(userID, deviceID, connID string) (Change, error) {
	if err := validate(userID, deviceID, connID); err != nil {
		return Change{}, err
	}
	if r.lookup(userID) == nil {
		return Change{UserID: userID}, nil
	}

	change := r.update(userID, func(e *entry) {
		if owner, ok := e.devices[deviceID]; !ok || owner != connID {
			return
		}
		delete(e.devices, deviceID)
		e.lastSeen = r.now()
	})

	if change.Transition == TransitionWentOffline {
		r.logger.Info("user offline", zap.String("user_id", userID), zap.String("device_id", deviceID))
	}
	return change, nil
}

func validate(userID, deviceID, connID string) error {
	switch {
	case !types.IsValidUserID(userID):
		return ErrInvalidUserID
	case !types.IsValidDeviceID(deviceID):
		return ErrInvalidDeviceID
	case connID == "":
		return ErrMissingConnID
	}
	return nil
}

// SetStatus stores the user's preferred connected status (online or away).
// Offline users keep the preference for their next connection.
func (r *Registry) SetStatus(userID string, status types.PresenceStatus) (Change, error) {
	if !types.IsValidUserID(userID) {
		return Change{}, ErrInvalidUserID
	}
	if status != types.StatusOnline && status != types.StatusAway {
		return Change{}, types.ErrInvalidStatus
	}

	return r.update(userID, func(e *entry) {
		e.preferred = status
	}), nil
}

// SetVisibility hides or reveals the user's status to other users
func (r *Registry) SetVisibility(userID string, visible bool) (Change, error) {
	if !types.IsValidUserID(userID) {
		return Change{}, ErrInvalidUserID
	}

	return r.update(userID, func(e *entry) {
		e.visible = visible
	}), nil
}

// GetPresence returns the user's full record. Unknown users get a default
// offline record.
func (r *Registry) GetPresence(userID string) types.PresenceRecord {
	e := r.lookup(userID)
	if e == nil {
		return types.PresenceRecord{
			UserID:  userID,
			Status:  types.StatusOffline,
			Devices: []string{},
			Visible: true,
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record(userID)
}

// PublicPresence returns the record as other users may see it
func (r *Registry) PublicPresence(userID string) types.PresenceRecord {
	return r.GetPresence(userID).Public()
}

// IsOnline reports whether the user has at least one connected device
func (r *Registry) IsOnline(userID string) bool {
	e := r.lookup(userID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.devices) > 0
}

// ListOnlineUsers returns a sorted snapshot of online user ids
func (r *Registry) ListOnlineUsers() []string {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.users))
	for id, e := range r.users {
		entries[id] = e
	}
	r.mu.RUnlock()

	online := make([]string, 0, len(entries))
	for id, e := range entries {
		e.mu.Lock()
		if len(e.devices) > 0 {
			online = append(online, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(online)
	return online
}

// OnlineCount returns the number of online users
func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}
