package transport

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ReconnectConfig shapes the backoff schedule applied after an abnormal
// connection closure.
type ReconnectConfig struct {
	// MaxAttempts bounds consecutive failed reconnects before the transport
	// surfaces ErrAttemptsExhausted. Defaults to 5.
	MaxAttempts int
	// InitialDelay is the wait before the first reconnect. Defaults to 500ms.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth. Defaults to 30s.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts. Defaults to 2.0.
	Multiplier float64
	// Jitter randomizes each delay by ±Jitter fraction. Defaults to 0.1.
	Jitter float64
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = 0.1
	}
	return c
}

// scheduler tracks reconnect attempts and arms a single cancellable timer for
// the next one. It holds no connection state itself: the owner decides what a
// fired attempt does and resets the counter once a connection succeeds.
type scheduler struct {
	cfg ReconnectConfig

	mu      sync.Mutex
	attempt int
	timer   *time.Timer
}

func newScheduler(cfg ReconnectConfig) *scheduler {
	return &scheduler{cfg: cfg.withDefaults()}
}

// Schedule arms the timer for the next attempt and reports whether the
// attempt budget allowed it. A timer already armed is left in place. The fire
// callback runs on the timer goroutine; a timer that fired concurrently with
// Cancel may still invoke fire, so callers guard stale attempts themselves.
func (s *scheduler) Schedule(fire func(attempt int)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return true
	}
	if s.attempt >= s.cfg.MaxAttempts {
		return false
	}
	s.attempt++
	attempt := s.attempt
	s.timer = time.AfterFunc(s.delayFor(attempt), func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		fire(attempt)
	})
	return true
}

// Reset clears the attempt counter after a successful connection so the next
// failure starts the schedule from the initial delay again.
func (s *scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

// Cancel stops a pending timer. Safe to call when none is armed.
func (s *scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Attempt reports how many attempts the current failure streak has consumed.
func (s *scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *scheduler) delayFor(attempt int) time.Duration {
	delay := float64(s.cfg.InitialDelay) * math.Pow(s.cfg.Multiplier, float64(attempt-1))
	if ceiling := float64(s.cfg.MaxDelay); delay > ceiling {
		delay = ceiling
	}
	if s.cfg.Jitter > 0 {
		delay += delay * s.cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
