package bridge

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/engine"
	"github.com/hazyhaar/commentveil/mutation"
	"github.com/hazyhaar/commentveil/veil"
)

//go:embed bridge.js
var bridgeJS string

// injectJS runs bridgeJS through Eval, which expects a function.
var injectJS = "() => {\n" + bridgeJS + "\n}"

const (
	bindingName = "__veil_binding"
	// Marker is the attribute carrying node ids in the live page.
	Marker = "data-veil-id"
)

// PointerEvent is a pointer interaction reported by the tab.
type PointerEvent struct {
	ID    dom.NodeID
	Event veil.Event
}

// Surface is an engine.Surface over a live tab. Each Acquire snapshots the
// tab's DOM into a fresh tree; node identity carries over through marker
// attributes written back on release.
type Surface struct {
	tab    *Tab
	arena  *dom.Arena
	device veil.Device
	logger *slog.Logger

	// mu serialises snapshots and writes.
	mu sync.Mutex

	obsMu     sync.Mutex
	observers map[int]func(mutation.Batch)
	nextObs   int
	seq       uint64

	events chan PointerEvent
	cancel context.CancelFunc
	done   chan struct{}
}

var _ engine.Surface = (*Surface)(nil)

// Attach injects the bridge script into tab, now and on every new
// document, and starts listening for its messages until ctx is done or
// Detach is called. The input device is read once here.
func Attach(ctx context.Context, tab *Tab, logger *slog.Logger) (*Surface, error) {
	if logger == nil {
		logger = slog.Default()
	}
	page := tab.Page.Context(ctx)

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		return nil, fmt.Errorf("bridge: add binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(bridgeJS); err != nil {
		return nil, fmt.Errorf("bridge: register script: %w", err)
	}
	if _, err := page.Eval(injectJS); err != nil {
		return nil, fmt.Errorf("bridge: inject script: %w", err)
	}

	device := veil.Hover
	res, err := page.Eval(`() => window.__veilHover()`)
	if err != nil {
		logger.Warn("bridge: device check failed, assuming hover", "tab", tab.ID, "error", err)
	} else if !res.Value.Bool() {
		device = veil.Touch
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Surface{
		tab:       tab,
		arena:     dom.NewArena(Marker),
		device:    device,
		logger:    logger,
		observers: make(map[int]func(mutation.Batch)),
		events:    make(chan PointerEvent, 64),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	wait := tab.Page.Context(runCtx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == bindingName {
			s.receive(e.Payload)
		}
	})
	go func() {
		defer close(s.done)
		wait()
	}()

	logger.Info("bridge: attached", "tab", tab.ID, "device", device.String())
	return s, nil
}

// Detach stops listening. The injected script stays in the page.
func (s *Surface) Detach() {
	s.cancel()
	<-s.done
}

// Events delivers pointer interactions on veiled nodes.
func (s *Surface) Events() <-chan PointerEvent { return s.events }

// Device implements engine.Surface.
func (s *Surface) Device() veil.Device { return s.device }

// Acquire implements platform.Host. The returned document is a detached
// snapshot; release writes markers for newly assigned ids back to the tab.
func (s *Surface) Acquire(ctx context.Context) (*dom.Document, func(), error) {
	s.mu.Lock()
	res, err := s.tab.Page.Context(ctx).Eval(`() => ({url: location.href, html: document.documentElement.outerHTML})`)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("bridge: snapshot: %w", err)
	}
	doc, err := dom.ParseWithArena(strings.NewReader(res.Value.Get("html").Str()), res.Value.Get("url").Str(), s.arena)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			defer s.mu.Unlock()
			s.tagFresh(ctx, doc)
		})
	}
	return doc, release, nil
}

// tagFresh writes marker attributes for ids assigned during this snapshot.
func (s *Surface) tagFresh(ctx context.Context, doc *dom.Document) {
	fresh := doc.Arena.TakeFresh()
	if len(fresh) == 0 {
		return
	}
	pairs := make([][3]string, 0, len(fresh))
	for _, id := range fresh {
		n, ok := doc.Arena.Lookup(id)
		if !ok {
			continue
		}
		pairs = append(pairs, [3]string{dom.XPath(n), n.Data, id.String()})
	}
	res, err := s.tab.Page.Context(ctx).Eval(`(pairs) => window.__veilTag(pairs)`, pairs)
	if err != nil {
		s.logger.Warn("bridge: tag failed", "tab", s.tab.ID, "ids", len(pairs), "error", err)
		return
	}
	if n := res.Value.Int(); n < len(pairs) {
		s.logger.Debug("bridge: some markers not written", "tab", s.tab.ID, "want", len(pairs), "wrote", n)
	}
}

// Render implements engine.Surface. The element is rewritten only while
// its textContent is still from; the check and the write run in one
// evaluation in the tab. The write is not reported to observers.
func (s *Surface) Render(ctx context.Context, id dom.NodeID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.tab.Page.Context(ctx).Eval(`(id, from, text) => window.__veilRender(id, from, text)`,
		id.String(), from, to)
	if err != nil {
		return fmt.Errorf("bridge: render: %w", err)
	}
	return renderResult(id, res.Value.Str())
}

// renderResult maps the shim's answer to __veilRender.
func renderResult(id dom.NodeID, res string) error {
	switch res {
	case "ok":
		return nil
	case "changed":
		return fmt.Errorf("%w: %s", engine.ErrTextChanged, id)
	case "gone":
		return fmt.Errorf("%w: %s", engine.ErrNodeGone, id)
	}
	return fmt.Errorf("bridge: render %s: unexpected answer %q", id, res)
}

// Observe implements platform.Host.
func (s *Surface) Observe(fn func(mutation.Batch)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// message is what the injected script sends over the binding.
type message struct {
	Kind    string            `json:"kind"`
	URL     string            `json:"url,omitempty"`
	Records []mutation.Record `json:"records,omitempty"`
	ID      string            `json:"id,omitempty"`
	Event   string            `json:"event,omitempty"`
}

var errBadMessage = errors.New("bridge: bad message")

func decodeMessage(payload string) (message, error) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return m, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	switch m.Kind {
	case "mutations", "event":
		return m, nil
	default:
		return m, fmt.Errorf("%w: kind %q", errBadMessage, m.Kind)
	}
}

func (s *Surface) receive(payload string) {
	m, err := decodeMessage(payload)
	if err != nil {
		s.logger.Debug("bridge: dropped message", "tab", s.tab.ID, "error", err)
		return
	}
	switch m.Kind {
	case "mutations":
		s.notify(m.URL, m.Records)
	case "event":
		ev, ok := toPointerEvent(m)
		if !ok {
			return
		}
		select {
		case s.events <- ev:
		default:
			s.logger.Warn("bridge: pointer event dropped", "tab", s.tab.ID, "node", ev.ID)
		}
	}
}

func toPointerEvent(m message) (PointerEvent, bool) {
	id, ok := dom.ParseNodeID(m.ID)
	if !ok {
		return PointerEvent{}, false
	}
	ev, ok := veil.ParseEvent(m.Event)
	if !ok {
		return PointerEvent{}, false
	}
	return PointerEvent{ID: id, Event: ev}, true
}

func (s *Surface) notify(url string, records []mutation.Record) {
	if len(records) == 0 {
		return
	}
	s.obsMu.Lock()
	s.seq++
	batch := mutation.Batch{
		PageURL:   url,
		Seq:       s.seq,
		Records:   records,
		Timestamp: time.Now().UnixMilli(),
	}
	fns := make([]func(mutation.Batch), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(batch)
	}
}

// EventHandler applies pointer events; *engine.Engine implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, id dom.NodeID, ev veil.Event) (veil.Outcome, error)
}

// Pump feeds the surface's pointer events to h until ctx is done.
func (s *Surface) Pump(ctx context.Context, h EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case pe := <-s.events:
			if _, err := h.HandleEvent(ctx, pe.ID, pe.Event); err != nil {
				s.logger.Debug("bridge: event not applied", "tab", s.tab.ID, "node", pe.ID, "error", err)
			}
		}
	}
}
