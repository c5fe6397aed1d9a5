// Package maintenance runs the periodic housekeeping jobs of the realtime
// layer: offline queue expiry and rate limiter cleanup.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	ErrSchedulerRunning    = errors.New("scheduler is already running")
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
	ErrInvalidInterval     = errors.New("job interval must be positive")
)

// JobFunc is one housekeeping pass
type JobFunc func(ctx context.Context) error

// Scheduler runs named jobs at fixed intervals. A job never overlaps with
// itself and a panicking job is logged and rescheduled.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[string]cron.EntryID
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("maintenance")
	cl := cronLogger{logger.Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Every registers fn to run every interval once the scheduler starts
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	id, err := s.cron.AddFunc("@every "+interval.String(), func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.jobs[name] = id
	return nil
}

// RunNow executes a registered job synchronously, outside the schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

func (s *Scheduler) run(name string, fn JobFunc) {
	start := time.Now()
	if err := fn(s.ctx); err != nil {
		s.logger.Warn("maintenance job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Debug("maintenance job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels in-flight jobs and waits for them until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
