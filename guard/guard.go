// Package guard raises and reports adapter stability failures: the signal
// that a platform's DOM no longer matches what its adapter expects.
//
// Raise never blocks and never panics. It returns the failure as a
// *StabilityError for the caller to inspect and hands the payload to the
// registered reporters on a background goroutine.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stable failure classifiers.
const (
	CodeRootNotFound   = "ROOT_NOT_FOUND"
	CodeRootUnverified = "ROOT_UNVERIFIED"
)

// Severity of a stability failure.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Payload describes one stability failure. It never carries URLs or page
// text.
type Payload struct {
	Platform       string   `json:"platform"`
	Reason         string   `json:"reason"`
	Code           string   `json:"code,omitempty"`
	Strategies     []string `json:"strategies,omitempty"`
	AdapterName    string   `json:"adapter_name"`
	AdapterVersion string   `json:"adapter_version,omitempty"`
	Severity       Severity `json:"severity"`
	PageType       string   `json:"page_type,omitempty"`
}

// StabilityError is returned by Raise.
type StabilityError struct {
	Payload Payload
}

func (e *StabilityError) Error() string {
	return fmt.Sprintf("guard: %s: %s", e.Payload.AdapterName, e.Payload.Reason)
}

// Reporter receives raised payloads.
type Reporter interface {
	Report(ctx context.Context, p Payload) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, p Payload) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, p Payload) error { return f(ctx, p) }

// Config controls delivery.
type Config struct {
	// QueueSize bounds pending payloads. Default: 64.
	QueueSize int
	// ReportTimeout bounds one delivery to one reporter. Default: 5s.
	ReportTimeout time.Duration
}

func (c *Config) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 5 * time.Second
	}
}

// Stats counts guard activity.
type Stats struct {
	Raised    int64 `json:"raised"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	// Repeated counts RaiseOnce calls that matched the last delivered
	// payload for their key and were not queued.
	Repeated int64 `json:"repeated"`
}

// Guard delivers payloads to reporters asynchronously.
type Guard struct {
	cfg       Config
	logger    *slog.Logger
	reporters []Reporter

	mu     sync.RWMutex
	closed bool
	queue  chan Payload
	done   chan struct{}

	lastMu sync.Mutex
	last   map[string]string

	raised, delivered, dropped, failed, repeated atomic.Int64
}

// New starts a Guard. Close must be called to stop its goroutine.
func New(cfg Config, logger *slog.Logger, reporters ...Reporter) *Guard {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		cfg:       cfg,
		logger:    logger,
		reporters: reporters,
		queue:     make(chan Payload, cfg.QueueSize),
		done:      make(chan struct{}),
		last:      make(map[string]string),
	}
	go g.loop()
	return g
}

// Raise records a stability failure and returns it as an error. Severity
// defaults to error. Delivery is not awaited.
func (g *Guard) Raise(ctx context.Context, p Payload) *StabilityError {
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	p.Strategies = append([]string(nil), p.Strategies...)
	g.raised.Add(1)

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.dropped.Add(1)
		return &StabilityError{Payload: p}
	}
	select {
	case g.queue <- p:
	default:
		g.dropped.Add(1)
		g.logger.Warn("guard: queue full, report dropped",
			"adapter", p.AdapterName, "code", p.Code)
	}
	return &StabilityError{Payload: p}
}

// RaiseOnce is Raise for failures that recur on every scan of the same
// page. A payload identical to the last one queued for its platform,
// adapter, code and page type is returned without being queued again,
// and the bool is false. Settle clears the memory.
func (g *Guard) RaiseOnce(ctx context.Context, p Payload) (*StabilityError, bool) {
	key := strings.Join([]string{p.Platform, p.AdapterName, p.Code, p.PageType}, "|")
	sig := p.Reason + "|" + strings.Join(p.Strategies, "\x1f")

	g.lastMu.Lock()
	if prev, ok := g.last[key]; ok && prev == sig {
		g.lastMu.Unlock()
		g.repeated.Add(1)
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		return &StabilityError{Payload: p}, false
	}
	g.last[key] = sig
	g.lastMu.Unlock()
	return g.Raise(ctx, p), true
}

// Settle forgets what RaiseOnce remembered for platform and adapter, so
// the next failure is reported again. Call it once a root verifies.
func (g *Guard) Settle(platform, adapter string) {
	prefix := platform + "|" + adapter + "|"
	g.lastMu.Lock()
	defer g.lastMu.Unlock()
	for k := range g.last {
		if strings.HasPrefix(k, prefix) {
			delete(g.last, k)
		}
	}
}

// Close stops accepting payloads and waits until queued ones are delivered.
func (g *Guard) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.done
		return
	}
	g.closed = true
	close(g.queue)
	g.mu.Unlock()
	<-g.done
}

// Stats returns a snapshot of the counters.
func (g *Guard) Stats() Stats {
	return Stats{
		Raised:    g.raised.Load(),
		Delivered: g.delivered.Load(),
		Dropped:   g.dropped.Load(),
		Failed:    g.failed.Load(),
		Repeated:  g.repeated.Load(),
	}
}

func (g *Guard) loop() {
	defer close(g.done)
	for p := range g.queue {
		for _, r := range g.reporters {
			g.deliver(r, p)
		}
	}
}

func (g *Guard) deliver(r Reporter, p Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ReportTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			g.failed.Add(1)
			g.logger.Error("guard: reporter panicked", "adapter", p.AdapterName, "panic", rec)
		}
	}()
	if err := r.Report(ctx, p); err != nil {
		g.failed.Add(1)
		g.logger.Warn("guard: report failed", "adapter", p.AdapterName, "error", err)
		return
	}
	g.delivered.Add(1)
}

// LogReporter logs payloads at warn or error level by severity.
type LogReporter struct {
	Logger *slog.Logger
}

// Report implements Reporter.
func (l LogReporter) Report(ctx context.Context, p Payload) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelError
	if p.Severity == SeverityWarn {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "guard: adapter stability failure",
		"platform", p.Platform,
		"adapter", p.AdapterName,
		"version", p.AdapterVersion,
		"code", p.Code,
		"reason", p.Reason,
		"strategies", strings.Join(p.Strategies, " | "),
		"page_type", p.PageType,
	)
	return nil
}
