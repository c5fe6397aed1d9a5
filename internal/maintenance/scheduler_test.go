package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeExpirer struct {
	calls atomic.Int32
	n     int
	err   error
}

func (f *fakeExpirer) Expire(ctx context.Context, now time.Time) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

type fakeCleaner struct {
	idle time.Duration
}

func (f *fakeCleaner) Cleanup(idle time.Duration) int {
	f.idle = idle
	return 1
}

// Architectural Validation Tests
func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(); err != ErrSchedulerRunning {
		t.Errorf("second Start = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != ErrSchedulerNotRunning {
		t.Errorf("second Stop = %v", err)
	}
}

// Functional Validation Tests
func TestScheduler_Every(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	exp := &fakeExpirer{n: 3}

	if err := s.Every("queue-expiry", 0, QueueExpiry(exp)); !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("zero interval = %v", err)
	}
	if err := s.Every("queue-expiry", time.Second, QueueExpiry(exp)); err != nil {
		t.Fatal(err)
	}
	if err := s.Every("queue-expiry", time.Second, QueueExpiry(exp)); err == nil {
		t.Error("duplicate job name should fail")
	}

	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for exp.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if exp.calls.Load() == 0 {
		t.Error("job never ran on its schedule")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	cleaner := &fakeCleaner{}
	failing := &fakeExpirer{err: errors.New("store offline")}

	s.Every("limiter-cleanup", time.Hour, LimiterCleanup(cleaner, 5*time.Minute))
	s.Every("queue-expiry", time.Hour, QueueExpiry(failing))

	if err := s.RunNow("limiter-cleanup"); err != nil {
		t.Fatal(err)
	}
	if cleaner.idle != 5*time.Minute {
		t.Errorf("cleanup idle = %s", cleaner.idle)
	}

	// A failing job is logged, not propagated
	if err := s.RunNow("queue-expiry"); err != nil {
		t.Errorf("RunNow(failing) = %v", err)
	}
	if failing.calls.Load() != 1 {
		t.Errorf("failing job calls = %d", failing.calls.Load())
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("unknown job should fail")
	}
}

// Technical Validation Tests
func TestScheduler_RecoversPanics(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	s.Every("boom", time.Hour, func(context.Context) error { panic("boom") })

	if err := s.RunNow("boom"); err != nil {
		t.Errorf("RunNow(panicking) = %v", err)
	}
}

func TestScheduler_StopCancelsJobs(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t))
	started := make(chan struct{})
	var cancelled atomic.Bool
	s.Every("slow", 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("slow job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if !cancelled.Load() {
		t.Error("in-flight job should observe cancellation")
	}
}
