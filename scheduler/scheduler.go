// Package scheduler coalesces rescan requests.
//
// Every request (a DOM mutation, a periodic tick, a settings change) goes
// through Trigger, which (re)arms a single pending token for a quiet
// period. When the token expires one scan is queued. Run executes queued
// scans one at a time; any number of requests that arrive while a scan is
// in flight collapse into a single follow-up scan.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ScanFunc performs one scan.
type ScanFunc func(ctx context.Context) error

// Config controls debouncing.
type Config struct {
	// Debounce is the quiet period before a triggered scan. Default: 120ms.
	Debounce time.Duration
	// MaxWait caps how long continuous triggers may postpone a scan.
	// Zero means no cap.
	MaxWait time.Duration
	// Clock defaults to RealClock.
	Clock Clock
	// Name labels log lines.
	Name string
}

func (c *Config) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = 120 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	if c.Name == "" {
		c.Name = "scan"
	}
}

// Stats counts scheduler activity.
type Stats struct {
	Triggers  int64 `json:"triggers"`
	Forced    int64 `json:"forced"`
	Scans     int64 `json:"scans"`
	Coalesced int64 `json:"coalesced"`
	Failures  int64 `json:"failures"`
}

// Scheduler owns the pending-trigger token and the scan loop.
type Scheduler struct {
	cfg    Config
	scan   ScanFunc
	logger *slog.Logger

	mu         sync.Mutex
	gen        uint64 // identifies the live pending token
	pending    Timer
	burstStart time.Time
	intervalG  uint64
	interval   Timer

	fire chan struct{}

	triggers, forced, scans, coalesced, failures atomic.Int64
}

// New creates a Scheduler. Nothing runs until Run is called.
func New(cfg Config, scan ScanFunc, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		scan:   scan,
		logger: logger,
		fire:   make(chan struct{}, 1),
	}
}

// Trigger requests a scan after the quiet period, replacing any pending
// request.
func (s *Scheduler) Trigger() {
	s.triggers.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	if s.pending == nil {
		s.burstStart = now
	} else {
		s.pending.Stop()
	}

	delay := s.cfg.Debounce
	if s.cfg.MaxWait > 0 {
		if left := s.burstStart.Add(s.cfg.MaxWait).Sub(now); left < delay {
			delay = max(left, 0)
		}
	}

	s.gen++
	gen := s.gen
	s.pending = s.cfg.Clock.AfterFunc(delay, func() { s.expire(gen) })
}

func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()
	s.enqueue()
}

// Force drops any pending request and queues a scan now.
func (s *Scheduler) Force() {
	s.forced.Add(1)
	s.cancelPending()
	s.enqueue()
}

// Pending reports whether a debounced request is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Scheduler) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

func (s *Scheduler) enqueue() {
	select {
	case s.fire <- struct{}{}:
	default:
		s.coalesced.Add(1)
	}
}

// SetInterval routes a periodic tick through Trigger every d. A
// non-positive d stops the ticks.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervalG++
	if s.interval != nil {
		s.interval.Stop()
		s.interval = nil
	}
	if d > 0 {
		s.armIntervalLocked(s.intervalG, d)
	}
}

func (s *Scheduler) armIntervalLocked(gen uint64, d time.Duration) {
	s.interval = s.cfg.Clock.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.intervalG {
			s.mu.Unlock()
			return
		}
		s.armIntervalLocked(gen, d)
		s.mu.Unlock()
		s.Trigger()
	})
}

// Stop disarms the pending request and the interval.
func (s *Scheduler) Stop() {
	s.cancelPending()
	s.SetInterval(0)
}

// Run executes queued scans until ctx is done. Scan errors and panics are
// logged and counted; they never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.fire:
			s.runScan(ctx)
		}
	}
}

func (s *Scheduler) runScan(ctx context.Context) {
	s.scans.Add(1)
	start := s.cfg.Clock.Now()
	err := s.safeScan(ctx)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("scheduler: scan failed", "name", s.cfg.Name, "error", err)
		return
	}
	s.logger.Debug("scheduler: scan done", "name", s.cfg.Name,
		"elapsed", s.cfg.Clock.Now().Sub(start))
}

func (s *Scheduler) safeScan(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.scan(ctx)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Triggers:  s.triggers.Load(),
		Forced:    s.forced.Load(),
		Scans:     s.scans.Load(),
		Coalesced: s.coalesced.Load(),
		Failures:  s.failures.Load(),
	}
}
