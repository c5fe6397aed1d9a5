package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sevans717/aphila-sub008/internal/metrics"
	"github.com/sevans717/aphila-sub008/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *[]Change) {
	t.Helper()
	r := NewRegistry(metrics.New(nil), zaptest.NewLogger(t))

	var mu sync.Mutex
	changes := &[]Change{}
	r.SetListener(func(c Change) {
		mu.Lock()
		*changes = append(*changes, c)
		mu.Unlock()
	})
	return r, changes
}

// Functional Validation Tests - online iff at least one device

func TestRegistry_MultiDevicePresence(t *testing.T) {
	r, changes := newTestRegistry(t)

	if _, err := r.MarkOnline("alice", "phone", "c-phone"); err != nil {
		t.Fatalf("MarkOnline failed: %v", err)
	}
	if _, err := r.MarkOnline("alice", "laptop", "c-laptop"); err != nil {
		t.Fatalf("MarkOnline failed: %v", err)
	}

	rec := r.GetPresence("alice")
	if rec.Status != types.StatusOnline || len(rec.Devices) != 2 {
		t.Fatalf("record = %+v", rec)
	}

	r.MarkOffline("alice", "phone", "c-phone")
	if !r.IsOnline("alice") {
		t.Error("alice should stay online while laptop is connected")
	}

	closing := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return closing }
	r.MarkOffline("alice", "laptop", "c-laptop")

	rec = r.GetPresence("alice")
	if rec.Status != types.StatusOffline || rec.IsOnline() {
		t.Errorf("alice should be offline, got %+v", rec)
	}
	if !rec.LastSeen.Equal(closing) {
		t.Errorf("LastSeen = %s, want %s", rec.LastSeen, closing)
	}

	var transitions []Transition
	for _, c := range *changes {
		transitions = append(transitions, c.Transition)
	}
	want := []Transition{TransitionCameOnline, TransitionWentOffline}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
	if r.OnlineCount() != 0 {
		t.Errorf("OnlineCount = %d", r.OnlineCount())
	}
}

func TestRegistry_Idempotent(t *testing.T) {
	r, changes := newTestRegistry(t)

	r.MarkOnline("alice", "phone", "c-phone")
	r.MarkOnline("alice", "phone", "c-phone")
	if got := r.GetPresence("alice").Devices; len(got) != 1 {
		t.Errorf("devices = %v", got)
	}
	if r.OnlineCount() != 1 {
		t.Errorf("OnlineCount = %d, want 1", r.OnlineCount())
	}

	r.MarkOffline("alice", "phone", "c-phone")
	r.MarkOffline("alice", "phone", "c-phone")
	if r.OnlineCount() != 0 {
		t.Errorf("OnlineCount = %d, want 0", r.OnlineCount())
	}
	if len(*changes) != 2 {
		t.Errorf("expected exactly 2 published changes, got %d", len(*changes))
	}
}

func TestRegistry_UnknownUser(t *testing.T) {
	r, changes := newTestRegistry(t)

	rec := r.GetPresence("ghost")
	if rec.Status != types.StatusOffline || !rec.Visible || rec.Devices == nil {
		t.Errorf("default record = %+v", rec)
	}
	if r.IsOnline("ghost") {
		t.Error("unknown user should be offline")
	}
	if _, err := r.MarkOffline("ghost", "phone", "c-phone"); err != nil {
		t.Errorf("MarkOffline on unknown user should be a no-op, got %v", err)
	}
	if len(*changes) != 0 {
		t.Error("no change should be published for an unknown user")
	}
}

func TestRegistry_Validation(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.MarkOnline("bad id", "phone", "c-phone"); !errors.Is(err, ErrInvalidUserID) {
		t.Errorf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := r.MarkOnline("alice", "", "c-"); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("expected ErrInvalidDeviceID, got %v", err)
	}
	if _, err := r.SetStatus("alice", types.StatusOffline); !errors.Is(err, types.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

// Functional Validation Tests - status and visibility

func TestRegistry_StatusPreference(t *testing.T) {
	r, changes := newTestRegistry(t)

	// Preference stored while offline is applied on connect
	if _, err := r.SetStatus("alice", types.StatusAway); err != nil {
		t.Fatal(err)
	}
	if got := r.GetPresence("alice").Status; got != types.StatusOffline {
		t.Errorf("offline user status = %s", got)
	}
	if len(*changes) != 0 {
		t.Errorf("preference change while offline should not publish, got %d", len(*changes))
	}

	r.MarkOnline("alice", "phone", "c-phone")
	if got := r.GetPresence("alice").Status; got != types.StatusAway {
		t.Errorf("status after connect = %s, want away", got)
	}

	change, _ := r.SetStatus("alice", types.StatusOnline)
	if change.Previous.Status != types.StatusAway || change.Current.Status != types.StatusOnline {
		t.Errorf("change = %+v", change)
	}
	if change.Transition != TransitionNone {
		t.Error("status change is not a transition")
	}
}

func TestRegistry_Visibility(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.MarkOnline("alice", "phone", "c-phone")

	change, err := r.SetVisibility("alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if change.Previous.Public().Status != types.StatusOnline || change.Current.Public().Status != types.StatusOffline {
		t.Errorf("public view should flip to offline: %+v", change)
	}

	if got := r.PublicPresence("alice").Status; got != types.StatusOffline {
		t.Errorf("hidden user public status = %s", got)
	}
	if got := r.GetPresence("alice").Status; got != types.StatusOnline {
		t.Errorf("hidden user true status = %s", got)
	}
	if online := r.ListOnlineUsers(); len(online) != 1 {
		t.Errorf("hidden users are still online: %v", online)
	}
}

func TestRegistry_ListenerPanicContained(t *testing.T) {
	r := NewRegistry(nil, zaptest.NewLogger(t))
	r.SetListener(func(Change) { panic("boom") })

	if _, err := r.MarkOnline("alice", "phone", "c-phone"); err != nil {
		t.Fatalf("MarkOnline failed: %v", err)
	}
	if !r.IsOnline("alice") {
		t.Error("listener panic must not undo the update")
	}
}

// Technical Validation Tests - concurrency

func TestRegistry_ConcurrentUsers(t *testing.T) {
	r, _ := newTestRegistry(t)

	const users = 50
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			for j := 0; j < 20; j++ {
				r.MarkOnline(user, "phone", "c-phone")
				r.MarkOnline(user, "laptop", "c-laptop")
				r.MarkOffline(user, "phone", "c-phone")
			}
		}(i)
	}
	wg.Wait()

	if got := len(r.ListOnlineUsers()); got != users {
		t.Errorf("online users = %d, want %d", got, users)
	}
	if r.OnlineCount() != users {
		t.Errorf("OnlineCount = %d, want %d", r.OnlineCount(), users)
	}
}

func TestRegistry_ConcurrentSameUser(t *testing.T) {
	r, changes := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device := fmt.Sprintf("d%d", i)
			r.MarkOnline("alice", device, "c-"+device)
			r.MarkOffline("alice", device, "c-"+device)
		}(i)
	}
	wg.Wait()

	if r.IsOnline("alice") {
		t.Error("alice should end offline")
	}
	// Listeners may miss superseded changes but never see them out of order,
	// so the last published change is the final state
	if len(*changes) == 0 {
		t.Fatal("no changes published")
	}
	last := (*changes)[len(*changes)-1]
	if last.Current.IsOnline() {
		t.Errorf("last published change = %+v, want offline", last.Current)
	}
}

// TECHNICAL VALIDATION TEST: A slow listener holds back later changes of the
// same user instead of letting them overtake
func TestRegistry_ChangesPublishedInOrder(t *testing.T) {
	r := NewRegistry(nil, zaptest.NewLogger(t))

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var mu sync.Mutex
	var seen []Transition
	r.SetListener(func(c Change) {
		if c.Transition == TransitionCameOnline {
			entered <- struct{}{}
			<-release
		}
		mu.Lock()
		seen = append(seen, c.Transition)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.MarkOnline("alice", "phone", "c1")
		close(done)
	}()
	<-entered

	offline := make(chan struct{})
	go func() {
		r.MarkOffline("alice", "phone", "c1")
		close(offline)
	}()

	select {
	case <-offline:
		t.Fatal("offline change was published while the online change was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
	<-offline

	mu.Lock()
	defer mu.Unlock()
	want := []Transition{TransitionCameOnline, TransitionWentOffline}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("published transitions = %v, want %v", seen, want)
	}
}

// FUNCTIONAL VALIDATION TEST: A replaced connection going away leaves the
// device to its successor
func TestRegistry_DeviceOwnedByLatestConnection(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.MarkOnline("bob", "phone", "c-old")
	r.MarkOnline("bob", "phone", "c-new")

	change, err := r.MarkOffline("bob", "phone", "c-old")
	if err != nil {
		t.Fatalf("MarkOffline failed: %v", err)
	}
	if change.Transition != TransitionNone {
		t.Errorf("stale connection produced transition %v", change.Transition)
	}
	rec := r.GetPresence("bob")
	if !rec.IsOnline() || len(rec.Devices) != 1 {
		t.Fatalf("bob should stay online on his phone, got %+v", rec)
	}

	r.MarkOffline("bob", "phone", "c-new")
	if r.IsOnline("bob") {
		t.Error("owner going away should take the device offline")
	}
	if _, err := r.MarkOnline("bob", "phone", ""); !errors.Is(err, ErrMissingConnID) {
		t.Errorf("expected ErrMissingConnID, got %v", err)
	}
}
