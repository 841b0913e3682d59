package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/guard"
	"github.com/hazyhaar/commentveil/mutation"
	"github.com/hazyhaar/commentveil/scheduler"
)

// Host is a page that can be read and observed.
type Host interface {
	// Acquire returns the current document and a release func. The document
	// must not be used after release.
	Acquire(ctx context.Context) (*dom.Document, func(), error)
	// Observe registers fn for host mutation batches.
	Observe(fn func(mutation.Batch)) (cancel func())
}

// Comment is the structured form of one comment. Sessions do not populate
// it yet; packets always carry an empty list.
type Comment struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Author    string   `json:"author"`
	Timestamp int64    `json:"timestamp"`
	ParentID  string   `json:"parentId,omitempty"`
	Platform  Platform `json:"platform"`
	Lang      string   `json:"lang"`
}

// Meta describes the page a packet came from.
type Meta struct {
	URL           string   `json:"url"`
	Platform      Platform `json:"platform"`
	PageType      PageType `json:"pageType"`
	LoggedInGuess bool     `json:"userLoggedIn"`
}

// Packet is emitted to the Watch callback after each discovery pass. It is
// in-process only and must not be serialised off the machine.
type Packet struct {
	Comments []Comment `json:"comments"`
	Meta     Meta      `json:"meta"`
	Adapter  Info      `json:"adapterInfo"`
}

// RestoreSignal asks whoever owns the rendering to show a node's original
// text. Sessions only emit it.
type RestoreSignal struct {
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
}

// StabilityPayload builds the guard payload for an exhausted discovery.
func StabilityPayload(a Adapter, d Discovery, pt PageType) guard.Payload {
	info := a.Info()
	p := guard.Payload{
		Platform:       string(a.ID()),
		Strategies:     d.Attempted,
		AdapterName:    info.Name,
		AdapterVersion: info.Version,
		Severity:       guard.SeverityError,
		PageType:       string(pt),
	}
	if d.Candidates == 0 {
		p.Code = guard.CodeRootNotFound
		p.Reason = "root comment container not found"
	} else {
		p.Code = guard.CodeRootUnverified
		p.Reason = fmt.Sprintf("%d root candidates failed verification", d.Candidates)
	}
	return p
}

// SessionConfig tunes a Session.
type SessionConfig struct {
	// Debounce defaults to DebounceFor(adapter).
	Debounce time.Duration
	// Clock defaults to the wall clock.
	Clock scheduler.Clock
}

// Session runs an adapter's discovery against a live host: once on Watch,
// then after every burst of structural mutations.
type Session struct {
	adapter Adapter
	host    Host
	guard   *guard.Guard
	cfg     SessionConfig
	logger  *slog.Logger

	restores chan RestoreSignal

	mu        sync.Mutex
	cb        func(Packet)
	sched     *scheduler.Scheduler
	cancelObs func()
	cancelRun context.CancelFunc
	done      chan struct{}
}

// NewSession binds adapter to host. g may be nil.
func NewSession(adapter Adapter, host Host, g *guard.Guard, cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DebounceFor(adapter.ID())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		adapter:  adapter,
		host:     host,
		guard:    g,
		cfg:      cfg,
		logger:   logger,
		restores: make(chan RestoreSignal, 16),
	}
}

// Init prepares the session. Adapters need no asynchronous setup today.
func (s *Session) Init(ctx context.Context) error {
	return ctx.Err()
}

// Info returns the adapter identity.
func (s *Session) Info() Info { return s.adapter.Info() }

// Watch starts observing and delivers a packet to cb after each pass. A
// second call restarts the session with the new callback.
func (s *Session) Watch(ctx context.Context, cb func(Packet)) {
	s.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	sched := scheduler.New(scheduler.Config{
		Debounce: s.cfg.Debounce,
		Clock:    s.cfg.Clock,
		Name:     "session:" + string(s.adapter.ID()),
	}, s.pass, s.logger)
	done := make(chan struct{})

	s.mu.Lock()
	s.cb = cb
	s.sched = sched
	s.cancelRun = cancel
	s.done = done
	s.mu.Unlock()

	if err := s.firstPass(runCtx); err != nil {
		s.logger.Warn("platform: initial pass failed", "adapter", s.adapter.Info().Name, "error", err)
	}

	cancelObs := s.host.Observe(func(b mutation.Batch) {
		if mutation.Meaningful(b.Records) {
			sched.Trigger()
		}
	})
	s.mu.Lock()
	s.cancelObs = cancelObs
	s.mu.Unlock()

	go func() {
		defer close(done)
		sched.Run(runCtx)
	}()
}

// Stop ends observation and waits for an in-flight pass to finish.
func (s *Session) Stop() {
	s.mu.Lock()
	cancelObs, cancelRun, done := s.cancelObs, s.cancelRun, s.done
	s.cancelObs, s.cancelRun, s.done, s.cb, s.sched = nil, nil, nil, nil, nil
	s.mu.Unlock()

	if cancelObs != nil {
		cancelObs()
	}
	if cancelRun != nil {
		cancelRun()
	}
	if done != nil {
		<-done
	}
}

// RestoreOriginal emits a RestoreSignal for id. It never touches the page.
func (s *Session) RestoreOriginal(id string) {
	select {
	case s.restores <- RestoreSignal{ID: id, Platform: s.adapter.ID()}:
	default:
		s.logger.Warn("platform: restore signal dropped", "adapter", s.adapter.Info().Name)
	}
}

// Restores delivers emitted restore signals.
func (s *Session) Restores() <-chan RestoreSignal { return s.restores }

func (s *Session) pass(ctx context.Context) error {
	d, meta, err := s.discover(ctx)
	if err != nil {
		return err
	}

	if s.guard != nil {
		switch d.Outcome {
		case Verified:
			s.guard.Settle(string(s.adapter.ID()), s.adapter.Info().Name)
		case Exhausted:
			s.guard.RaiseOnce(ctx, StabilityPayload(s.adapter, d, meta.PageType))
		}
	}

	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb(Packet{Comments: []Comment{}, Meta: meta, Adapter: s.adapter.Info()})
	}
	return nil
}

// firstPass runs the initial pass on the caller's goroutine, turning a
// panic into an error as the scheduler does for later passes.
func (s *Session) firstPass(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("platform: pass panicked: %v", r)
		}
	}()
	return s.pass(ctx)
}

// discover holds the host only for root discovery.
func (s *Session) discover(ctx context.Context) (Discovery, Meta, error) {
	doc, release, err := s.host.Acquire(ctx)
	if err != nil {
		return Discovery{}, Meta{}, fmt.Errorf("platform: acquire: %w", err)
	}
	defer release()
	d := s.adapter.LocateRoot(doc)
	meta := Meta{
		URL:           doc.URL.String(),
		Platform:      s.adapter.ID(),
		PageType:      PageTypeFor(s.adapter.ID(), doc.Path()),
		LoggedInGuess: LoggedInGuess(doc),
	}
	return d, meta, nil
}
