// Package engine runs the veiling pipeline against a Surface: pick the
// platform adapter, locate the verified comment root, extract bodies,
// claim them, resolve veil lines and render them, one scan at a time.
//
// Usage:
//
//	e, err := engine.New(engine.Config{Surface: s, Resolver: r, Guard: g}, logger)
//	if err := e.Start(ctx); err != nil { ... }
//	defer e.Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/drift"
	"github.com/hazyhaar/commentveil/guard"
	"github.com/hazyhaar/commentveil/idgen"
	"github.com/hazyhaar/commentveil/mutation"
	"github.com/hazyhaar/commentveil/pack"
	"github.com/hazyhaar/commentveil/platform"
	"github.com/hazyhaar/commentveil/platform/instagram"
	"github.com/hazyhaar/commentveil/platform/x"
	"github.com/hazyhaar/commentveil/platform/youtube"
	"github.com/hazyhaar/commentveil/scheduler"
	"github.com/hazyhaar/commentveil/settings"
	"github.com/hazyhaar/commentveil/veil"
)

// DefaultAdapters returns one adapter per supported platform.
func DefaultAdapters() []platform.Adapter {
	return []platform.Adapter{youtube.New(), instagram.New(), x.New()}
}

// Config wires an Engine.
type Config struct {
	// Surface is the page. Required.
	Surface Surface
	// Resolver supplies veil lines. Required.
	Resolver *pack.Resolver
	// Adapters default to DefaultAdapters.
	Adapters []platform.Adapter
	// Guard receives stability failures. Optional.
	Guard *guard.Guard
	// Store persists settings and pushes external changes. Optional; when
	// nil settings live in memory, starting from Settings.
	Store settings.Store
	// Settings is the initial snapshot when Store is nil. Default:
	// settings.Defaults.
	Settings *settings.Snapshot
	// Drift answers the drift command. Optional.
	Drift *drift.Ledger
	// Scheduler tunes debouncing. Name defaults to "engine".
	Scheduler scheduler.Config
	// DetachedLimit caps claims kept for elements the host detached, in
	// case it attaches them again. Default: 4096.
	DetachedLimit int
	// Picker chooses a line per node. Default: pack.NewPicker(nil).
	Picker *pack.Picker
	// NewScanID labels scans in logs. Default: idgen.Scan.
	NewScanID idgen.Generator
	// OnPacket, when set, runs a platform.Session alongside the engine and
	// receives its structured packets.
	OnPacket func(platform.Packet)
}

func (c *Config) defaults() {
	if len(c.Adapters) == 0 {
		c.Adapters = DefaultAdapters()
	}
	if c.Settings == nil {
		s := settings.Defaults()
		c.Settings = &s
	}
	if c.Scheduler.Name == "" {
		c.Scheduler.Name = "engine"
	}
	if c.Picker == nil {
		c.Picker = pack.NewPicker(nil)
	}
	if c.DetachedLimit <= 0 {
		c.DetachedLimit = 4096
	}
	if c.NewScanID == nil {
		c.NewScanID = idgen.Scan
	}
}

// ScanReport summarises one scan. It carries counts only.
type ScanReport struct {
	ID         string        `json:"id"`
	Platform   string        `json:"platform,omitempty"`
	Adapter    string        `json:"adapter,omitempty"`
	Outcome    string        `json:"outcome"`
	Attempted  []string      `json:"attempted,omitempty"`
	Bodies     int           `json:"bodies"`
	Claimed    int           `json:"claimed"`
	Masked     int           `json:"masked"`
	Skipped    int           `json:"skipped"`
	FailClosed int           `json:"failClosed"`
	Detached   int           `json:"detached"`
	Forgotten  int           `json:"forgotten"`
	Lines      int           `json:"lines"`
	Elapsed    time.Duration `json:"elapsed"`
	At         time.Time     `json:"at"`
}

// Engine is the veiling pipeline for one page.
type Engine struct {
	cfg      Config
	surface  Surface
	router   *platform.Router
	resolver *pack.Resolver
	veil     *veil.Engine
	sched    *scheduler.Scheduler
	logger   *slog.Logger

	snap atomic.Pointer[settings.Snapshot]

	// scanMu keeps Scan calls from overlapping outside the scheduler loop.
	scanMu sync.Mutex

	reportMu sync.Mutex
	last     ScanReport
	totals   ScanReport

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	session *platform.Session
}

// New builds an engine. Nothing runs until Start; Scan may be called
// directly.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Surface == nil {
		return nil, errors.New("engine: nil surface")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("engine: nil resolver")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()

	e := &Engine{
		cfg:      cfg,
		surface:  cfg.Surface,
		router:   platform.NewRouter(cfg.Adapters...),
		resolver: cfg.Resolver,
		veil:     veil.New(cfg.Surface.Device(), logger),
		logger:   logger,
	}
	first := settings.Merge(*cfg.Settings, settings.Partial{})
	e.snap.Store(&first)
	e.sched = scheduler.New(cfg.Scheduler, func(ctx context.Context) error {
		_, err := e.Scan(ctx)
		return err
	}, logger)
	return e, nil
}

// Settings returns the live snapshot.
func (e *Engine) Settings() settings.Snapshot { return *e.snap.Load() }

// Veil exposes the masking side table.
func (e *Engine) Veil() *veil.Engine { return e.veil }

type claim struct {
	id   dom.NodeID
	text string
}

type render struct {
	id       dom.NodeID
	from, to string
}

// found is what the claim phase learned about the page.
type found struct {
	adapter   platform.Adapter
	discovery platform.Discovery
	pageType  platform.PageType
	claims    []claim
}

// Scan runs one pass. Settings are read once and hold for the whole scan.
// Nodes are claimed before the pack lookup suspends, and rendered only if
// their text is unchanged when the lookup returns.
func (e *Engine) Scan(ctx context.Context) (ScanReport, error) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	snap := e.Settings()
	rep := ScanReport{ID: e.cfg.NewScanID(), At: time.Now()}
	start := time.Now()
	defer func() {
		rep.Elapsed = time.Since(start)
		e.record(rep)
	}()

	f, err := e.collect(ctx, &rep)
	if err != nil {
		rep.Outcome = "error"
		return rep, err
	}
	if f.adapter == nil {
		rep.Outcome = "unsupported"
		return rep, nil
	}
	e.report(ctx, f)
	if len(f.claims) == 0 {
		return rep, nil
	}

	lines := e.resolver.Lines(ctx, snap.Packs())
	rep.Lines = len(lines)
	if len(lines) == 0 {
		for _, c := range f.claims {
			e.veil.Skip(c.id)
		}
		rep.Skipped += len(f.claims)
		return rep, nil
	}
	claims := e.skipVeilLines(f.claims, lines, &rep)
	if len(claims) == 0 {
		return rep, nil
	}

	renders, err := e.prepare(ctx, claims, lines, snap, &rep)
	if err != nil {
		return rep, err
	}
	for _, r := range renders {
		if err := e.surface.Render(ctx, r.id, r.from, r.to); err != nil {
			// The page keeps the original text; so does the side table.
			e.veil.Revert(r.id)
			rep.FailClosed++
			if errors.Is(err, ErrTextChanged) || errors.Is(err, ErrNodeGone) {
				e.logger.Debug("engine: render skipped", "scan", rep.ID, "node", r.id, "error", err)
			} else {
				e.logger.Warn("engine: render failed", "scan", rep.ID, "node", r.id, "error", err)
			}
			continue
		}
		rep.Masked++
	}
	return rep, nil
}

// collect holds the page for discovery and claims every unseen body,
// capturing its text.
func (e *Engine) collect(ctx context.Context, rep *ScanReport) (found, error) {
	doc, release, err := e.surface.Acquire(ctx)
	if err != nil {
		return found{}, fmt.Errorf("engine: acquire: %w", err)
	}
	defer release()
	if doc.Arena == nil {
		doc.Arena = dom.NewArena("")
	}
	e.retire(doc, rep)

	a := e.router.Pick(doc.URL)
	if a == nil {
		return found{}, nil
	}
	rep.Platform = string(a.ID())
	rep.Adapter = a.Info().Name

	d := a.LocateRoot(doc)
	rep.Outcome = d.Outcome.String()
	rep.Attempted = d.Attempted
	f := found{adapter: a, discovery: d, pageType: platform.PageTypeFor(a.ID(), doc.Path())}
	if d.Outcome != platform.Verified {
		return f, nil
	}

	bodies := a.ExtractBodies(d.Root)
	rep.Bodies = len(bodies)
	for _, n := range bodies {
		id := doc.Arena.ID(n)
		if !e.veil.Claim(id) {
			continue
		}
		rep.Claimed++
		text := dom.Text(n)
		if !veil.Eligible(text) || e.veil.Veiled(text) {
			e.veil.Skip(id)
			rep.Skipped++
			continue
		}
		f.claims = append(f.claims, claim{id: id, text: text})
	}
	return f, nil
}

// retire parks elements the host detached, keeping their claims, and
// evicts the oldest detached claims beyond the configured limit.
func (e *Engine) retire(doc *dom.Document, rep *ScanReport) {
	tracked, untracked := e.veil.Detach(doc.Arena.Prune(doc.Root))
	doc.Arena.Release(untracked)
	evicted := e.veil.Evict(e.cfg.DetachedLimit)
	doc.Arena.Release(evicted)
	rep.Detached = tracked
	rep.Forgotten = len(evicted)
}

// report raises an exhausted discovery once per distinct failure, and
// re-arms reporting once the root verifies again.
func (e *Engine) report(ctx context.Context, f found) {
	g := e.cfg.Guard
	if g == nil {
		return
	}
	switch f.discovery.Outcome {
	case platform.Verified:
		g.Settle(string(f.adapter.ID()), f.adapter.Info().Name)
	case platform.Exhausted:
		g.RaiseOnce(ctx, platform.StabilityPayload(f.adapter, f.discovery, f.pageType))
	}
}

// skipVeilLines skips claims whose text is already a pack line: a veil
// whose entry was evicted, not a comment.
func (e *Engine) skipVeilLines(claims []claim, lines []string, rep *ScanReport) []claim {
	known := make(map[string]bool, 2*len(lines))
	for _, l := range lines {
		known[strings.TrimSpace(l)] = true
		known[strings.TrimSpace(l+veil.Badge)] = true
	}
	kept := claims[:0]
	for _, c := range claims {
		if known[strings.TrimSpace(c.text)] {
			e.veil.Skip(c.id)
			rep.Skipped++
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// prepare re-reads the page after the pack lookup and masks every claim
// whose element is still in place with unchanged text. The rest are
// skipped for good.
func (e *Engine) prepare(ctx context.Context, claims []claim, lines []string, snap settings.Snapshot, rep *ScanReport) ([]render, error) {
	doc, release, err := e.surface.Acquire(ctx)
	if err != nil {
		for _, c := range claims {
			e.veil.Skip(c.id)
		}
		rep.FailClosed += len(claims)
		return nil, fmt.Errorf("engine: reacquire: %w", err)
	}
	defer release()

	var renders []render
	for _, c := range claims {
		var n *html.Node
		ok := doc.Arena != nil
		if ok {
			n, ok = doc.Arena.Lookup(c.id)
		}
		if !ok || !dom.Within(n, doc.Root) || dom.Text(n) != c.text {
			e.veil.Skip(c.id)
			rep.FailClosed++
			continue
		}
		display := e.veil.Mask(c.id, c.text, e.cfg.Picker.Pick(lines), snap)
		if display == "" {
			rep.Skipped++
			continue
		}
		renders = append(renders, render{id: c.id, from: c.text, to: display})
	}
	return renders, nil
}

func (e *Engine) record(rep ScanReport) {
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	e.last = rep
	e.totals.Bodies += rep.Bodies
	e.totals.Claimed += rep.Claimed
	e.totals.Masked += rep.Masked
	e.totals.Skipped += rep.Skipped
	e.totals.FailClosed += rep.FailClosed
	e.totals.Detached += rep.Detached
	e.totals.Forgotten += rep.Forgotten

	e.logger.Debug("engine: scan",
		"scan", rep.ID, "platform", rep.Platform, "outcome", rep.Outcome,
		"claimed", rep.Claimed, "masked", rep.Masked, "skipped", rep.Skipped,
		"fail_closed", rep.FailClosed, "elapsed", rep.Elapsed)
}

// Start loads settings, forces the first scan and keeps scanning on
// mutations, periodic ticks and settings changes until ctx is done or Stop
// is called. It returns once everything is running.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return errors.New("engine: already started")
	}

	if e.cfg.Store != nil {
		snap, err := e.cfg.Store.Load(ctx)
		if err != nil {
			return fmt.Errorf("engine: load settings: %w", err)
		}
		e.snap.Store(&snap)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	cancelObs := e.surface.Observe(func(b mutation.Batch) {
		if mutation.Meaningful(b.Records) {
			e.sched.Trigger()
		}
	})
	e.sched.SetInterval(e.Settings().RescanInterval())
	e.sched.Force()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelObs()
		e.sched.Run(runCtx)
	}()

	if e.cfg.Store != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.cfg.Store.Watch(runCtx, e.apply); err != nil {
				e.logger.Warn("engine: settings watch ended", "error", err)
			}
		}()
	}

	if e.cfg.OnPacket != nil {
		if err := e.startSession(runCtx); err != nil {
			e.logger.Warn("engine: session not started", "error", err)
		}
	}

	e.logger.Info("engine: started", "device", e.veil.Device().String(),
		"rescan", e.Settings().RescanInterval(), "packs", e.Settings().Packs())
	return nil
}

func (e *Engine) startSession(ctx context.Context) error {
	doc, release, err := e.surface.Acquire(ctx)
	if err != nil {
		return err
	}
	a := e.router.Pick(doc.URL)
	release()
	if a == nil {
		return nil
	}
	s := platform.NewSession(a, e.surface, e.cfg.Guard, platform.SessionConfig{Clock: e.cfg.Scheduler.Clock}, e.logger)
	if err := s.Init(ctx); err != nil {
		return err
	}
	s.Watch(ctx, e.cfg.OnPacket)
	e.session = s
	return nil
}

// Session returns the structured-packet session, or nil.
func (e *Engine) Session() *platform.Session {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.session
}

// Stop ends Start's goroutines and waits for an in-flight scan.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel, session := e.cancel, e.session
	e.cancel, e.session = nil, nil
	e.runMu.Unlock()

	if session != nil {
		session.Stop()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// apply merges a pushed settings change into a new snapshot, re-arms the
// periodic tick if the interval moved, and schedules a rescan.
func (e *Engine) apply(p settings.Partial) {
	for {
		cur := e.snap.Load()
		next := settings.Merge(*cur, p)
		if next == *cur {
			return
		}
		if !e.snap.CompareAndSwap(cur, &next) {
			continue
		}
		e.logger.Info("engine: settings changed", "keys", settings.Diff(*cur, next).Keys())
		if next.RescanMs != cur.RescanMs {
			e.runMu.Lock()
			running := e.cancel != nil
			e.runMu.Unlock()
			if running {
				e.sched.SetInterval(next.RescanInterval())
			}
		}
		e.sched.Trigger()
		return
	}
}

// Rescan schedules a debounced scan.
func (e *Engine) Rescan() { e.sched.Trigger() }

// UpdateSettings persists p (when a store is configured) and merges it into
// the live snapshot. Scans already running keep their snapshot.
func (e *Engine) UpdateSettings(ctx context.Context, p settings.Partial) (settings.Snapshot, error) {
	if e.cfg.Store != nil {
		saved, err := e.cfg.Store.Save(ctx, p)
		if err != nil {
			return settings.Snapshot{}, fmt.Errorf("engine: save settings: %w", err)
		}
		e.apply(settings.Diff(e.Settings(), saved))
		return e.Settings(), nil
	}
	e.apply(p)
	return e.Settings(), nil
}

// HandleEvent applies a pointer event to a node and renders the result.
func (e *Engine) HandleEvent(ctx context.Context, id dom.NodeID, ev veil.Event) (veil.Outcome, error) {
	out := e.veil.Handle(id, ev)
	if !out.Changed {
		return out, nil
	}
	if err := e.surface.Render(ctx, id, out.Previous, out.Display); err != nil {
		// The host took the element over; stop treating it as masked.
		if errors.Is(err, ErrTextChanged) {
			e.veil.Revert(id)
		}
		return out, fmt.Errorf("engine: render %s: %w", id, err)
	}
	return out, nil
}

// Status is a point-in-time view of the engine. It carries no comment text.
type Status struct {
	Settings  settings.Snapshot `json:"settings"`
	Device    string            `json:"device"`
	Nodes     map[string]int    `json:"nodes"`
	Scheduler scheduler.Stats   `json:"scheduler"`
	Guard     *guard.Stats      `json:"guard,omitempty"`
	LastScan  ScanReport        `json:"lastScan"`
	Totals    ScanReport        `json:"totals"`
	Packs     []string          `json:"cachedPacks"`
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	st := Status{
		Settings:  e.Settings(),
		Device:    e.veil.Device().String(),
		Nodes:     make(map[string]int),
		Scheduler: e.sched.Stats(),
		Packs:     e.resolver.Cached(),
	}
	for s, n := range e.veil.Counts() {
		st.Nodes[s.String()] = n
	}
	if e.cfg.Guard != nil {
		gs := e.cfg.Guard.Stats()
		st.Guard = &gs
	}
	e.reportMu.Lock()
	st.LastScan, st.Totals = e.last, e.totals
	e.reportMu.Unlock()
	return st
}
