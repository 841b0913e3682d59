package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/engine"
	"github.com/hazyhaar/commentveil/mutation"
	"github.com/hazyhaar/commentveil/veil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func detached(buffer int) *Surface {
	return &Surface{
		tab:       &Tab{ID: "ses_test"},
		arena:     dom.NewArena(Marker),
		logger:    slog.Default(),
		observers: make(map[int]func(mutation.Batch)),
		events:    make(chan PointerEvent, buffer),
	}
}

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true, "script": true}
	cases := []struct {
		typ  string
		want bool
	}{
		{"Image", true},
		{"Font", true},
		{"Media", false},
		{"Stylesheet", false},
		{"Script", false},
		{"Document", false},
		{"Ping", false},
	}
	for _, c := range cases {
		if got := shouldBlock(set, c.typ); got != c.want {
			t.Errorf("shouldBlock(%q): got %v, want %v", c.typ, got, c.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.Stealth == nil || !*c.Stealth {
		t.Errorf("stealth should default on")
	}
	if c.NavigateTimeout <= 0 {
		t.Errorf("navigate timeout not set")
	}

	off := false
	c = Config{Stealth: &off}
	c.defaults()
	if *c.Stealth {
		t.Errorf("explicit stealth=false overridden")
	}
}

func TestManager_StartAfterClose(t *testing.T) {
	m := NewManager(Config{}, nil)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
	if _, err := m.OpenTab(context.Background(), "https://example.com/"); err == nil {
		t.Errorf("open tab without browser must fail")
	}
}

func TestDecodeMessage(t *testing.T) {
	m, err := decodeMessage(`{"kind":"mutations","url":"https://x.com/a/status/1","records":[{"op":"insert","xpath":"/html/body/div","tag":"div"}]}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []mutation.Record{mutation.Insert("/html/body/div", "div")}
	if diff := cmp.Diff(want, m.Records); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}

	for _, bad := range []string{`nope`, `{"kind":"other"}`, `{}`} {
		if _, err := decodeMessage(bad); !errors.Is(err, errBadMessage) {
			t.Errorf("%s: got %v, want errBadMessage", bad, err)
		}
	}
}

func TestToPointerEvent(t *testing.T) {
	ev, ok := toPointerEvent(message{Kind: "event", ID: "42", Event: "pointerenter"})
	if !ok || ev.ID != 42 || ev.Event != veil.PointerEnter {
		t.Errorf("got %+v %v", ev, ok)
	}
	for _, m := range []message{
		{Kind: "event", ID: "0", Event: "click"},
		{Kind: "event", ID: "x", Event: "click"},
		{Kind: "event", ID: "7", Event: "scroll"},
	} {
		if _, ok := toPointerEvent(m); ok {
			t.Errorf("%+v accepted", m)
		}
	}
}

func TestReceive_NotifiesObservers(t *testing.T) {
	s := detached(1)
	var got []mutation.Batch
	cancel := s.Observe(func(b mutation.Batch) { got = append(got, b) })

	s.receive(`{"kind":"mutations","url":"https://www.youtube.com/watch?v=a","records":[{"op":"doc_reset"}]}`)
	s.receive(`{"kind":"mutations","records":[]}`)
	cancel()
	s.receive(`{"kind":"mutations","records":[{"op":"remove","xpath":"/html/body","tag":"p"}]}`)

	if len(got) != 1 {
		t.Fatalf("batches: got %d, want 1", len(got))
	}
	if got[0].Seq != 1 || !mutation.Meaningful(got[0].Records) {
		t.Errorf("batch: %+v", got[0])
	}
}

func TestReceive_QueuesEventsAndDropsWhenFull(t *testing.T) {
	s := detached(1)
	s.receive(`{"kind":"event","id":"3","event":"click"}`)
	s.receive(`{"kind":"event","id":"4","event":"click"}`)

	if ev := <-s.Events(); ev.ID != 3 || ev.Event != veil.Click {
		t.Errorf("event: %+v", ev)
	}
	select {
	case ev := <-s.Events():
		t.Errorf("overflow event delivered: %+v", ev)
	default:
	}
}

type recordingHandler struct {
	mu  sync.Mutex
	got []PointerEvent
}

func (h *recordingHandler) HandleEvent(_ context.Context, id dom.NodeID, ev veil.Event) (veil.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, PointerEvent{ID: id, Event: ev})
	return veil.Outcome{}, nil
}

func TestPump_DeliversUntilCancelled(t *testing.T) {
	s := detached(4)
	s.events <- PointerEvent{ID: 1, Event: veil.PointerEnter}
	s.events <- PointerEvent{ID: 1, Event: veil.PointerLeave}

	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Pump(ctx, h)
	}()

	for {
		h.mu.Lock()
		n := len(h.got)
		h.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	want := []PointerEvent{{1, veil.PointerEnter}, {1, veil.PointerLeave}}
	if diff := cmp.Diff(want, h.got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestBridgeScript(t *testing.T) {
	for _, want := range []string{bindingName, Marker, "__veilTag", "__veilRender", "__veilHover", "takeRecords"} {
		if !strings.Contains(bridgeJS, want) {
			t.Errorf("bridge.js missing %q", want)
		}
	}
	if !strings.Contains(bridgeJS, "el.textContent !== from") {
		t.Error("bridge.js must compare the current text before rendering")
	}
	if !strings.HasPrefix(injectJS, "() => {") {
		t.Errorf("inject wrapper: %q", injectJS[:20])
	}
}

func TestRenderResult(t *testing.T) {
	if err := renderResult(3, "ok"); err != nil {
		t.Errorf("ok: %v", err)
	}
	if err := renderResult(3, "changed"); !errors.Is(err, engine.ErrTextChanged) {
		t.Errorf("changed: got %v", err)
	}
	if err := renderResult(3, "gone"); !errors.Is(err, engine.ErrNodeGone) {
		t.Errorf("gone: got %v", err)
	}
	err := renderResult(3, "")
	if err == nil || errors.Is(err, engine.ErrNodeGone) || errors.Is(err, engine.ErrTextChanged) {
		t.Errorf("unexpected answer: got %v", err)
	}
}
