package client

import (
	"sync"
	"time"
)

const (
	DefaultHeartbeatInterval  = 25 * time.Second
	DefaultHeartbeatThreshold = 2
)

// heartbeat sends a ping per interval and declares the connection dead once
// threshold consecutive pings went unanswered
type heartbeat struct {
	clock     Clock
	interval  time.Duration
	threshold int
	ping      func()
	dead      func()

	mu       sync.Mutex
	timer    Timer
	awaiting bool
	missed   int
	stopped  bool
}

func newHeartbeat(clock Clock, interval time.Duration, threshold int, ping, dead func()) *heartbeat {
	return &heartbeat{
		clock:     clock,
		interval:  interval,
		threshold: threshold,
		ping:      ping,
		dead:      dead,
	}
}

func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.timer = h.clock.AfterFunc(h.interval, h.tick)
}

func (h *heartbeat) tick() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if h.awaiting {
		h.missed++
		if h.missed >= h.threshold {
			h.stopped = true
			h.mu.Unlock()
			h.dead()
			return
		}
	}
	h.awaiting = true
	h.timer = h.clock.AfterFunc(h.interval, h.tick)
	h.mu.Unlock()

	h.ping()
}

func (h *heartbeat) pong() {
	h.mu.Lock()
	h.awaiting = false
	h.missed = 0
	h.mu.Unlock()
}

// stop cancels future ticks. A tick already past its check is filtered by
// the client generation.
func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *heartbeat) missedPongs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}
