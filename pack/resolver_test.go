package pack

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mapSource(files map[string]string) *FSSource {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	return NewFSSource(fsys)
}

func TestLines_CoreMotivationalExample(t *testing.T) {
	src := mapSource(map[string]string{
		"core.json":         `["Rest here.", "Paused for now."]`,
		"motivational.json": `{"packs": ["core"]}`,
	})
	r := NewResolver(src, Config{}, nil)
	ctx := context.Background()

	want := []string{"Rest here.", "Paused for now."}
	if diff := cmp.Diff(want, r.Resolve(ctx, "motivational", 0)); diff != "" {
		t.Errorf("motivational (-want +got):\n%s", diff)
	}
	got := r.Lines(ctx, "core,motivational")
	if diff := cmp.Diff(append(want, want...), got); diff != "" {
		t.Errorf("core,motivational (-want +got):\n%s", diff)
	}
}

func TestResolve_SelfReferentialTerminates(t *testing.T) {
	src := mapSource(map[string]string{
		"core.json": `["a"]`,
		"loop.json": `{"packs": ["loop", "core", "loop"]}`,
		"ping.json": `{"packs": ["pong"]}`,
		"pong.json": `{"packs": ["ping", "core"]}`,
	})
	r := NewResolver(src, Config{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if diff := cmp.Diff([]string{"a"}, r.Resolve(context.Background(), "loop", 0)); diff != "" {
			t.Errorf("loop (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"a"}, r.Resolve(context.Background(), "ping", 0)); diff != "" {
			t.Errorf("ping (-want +got):\n%s", diff)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("resolution did not terminate")
	}
}

func TestResolve_DepthBound(t *testing.T) {
	src := mapSource(map[string]string{
		"l0.json":   `{"packs": ["l1"]}`,
		"l1.json":   `{"packs": ["l2"]}`,
		"l2.json":   `{"packs": ["l3"]}`,
		"l3.json":   `{"packs": ["l4"]}`,
		"l4.json":   `{"packs": ["leaf"]}`,
		"leaf.json": `["deep"]`,
	})
	r := NewResolver(src, Config{}, nil)
	if got := r.Resolve(context.Background(), "l0", 0); len(got) != 0 {
		t.Errorf("leaf at depth 5 should be cut: got %v", got)
	}
	if got := r.Resolve(context.Background(), "leaf", MaxDepth+1); got != nil {
		t.Errorf("depth > MaxDepth: got %v", got)
	}
}

func TestResolve_IndexAndEmptyNeverResolve(t *testing.T) {
	src := mapSource(map[string]string{"index.json": `["not a line"]`})
	r := NewResolver(src, Config{}, nil)
	if got := r.Resolve(context.Background(), "index", 0); got != nil {
		t.Errorf("index: got %v", got)
	}
	if got := r.Resolve(context.Background(), "", 0); got != nil {
		t.Errorf("empty: got %v", got)
	}
}

func TestResolve_EntryForms(t *testing.T) {
	src := mapSource(map[string]string{
		"flat.json":    `["  one ", "", 3, {"text": " two "}, {"text": 5}, null, "<b>bold</b> &amp; more"]`,
		"entries.json": `{"entries": ["x", {"text": "y"}]}`,
		"object.json":  `{"name": "nothing"}`,
		"broken.json":  `{"packs": [`,
		"scalar.json":  `42`,
	})
	r := NewResolver(src, Config{}, nil)
	ctx := context.Background()

	if diff := cmp.Diff([]string{"one", "two", "bold & more"}, r.Resolve(ctx, "flat", 0)); diff != "" {
		t.Errorf("flat (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x", "y"}, r.Resolve(ctx, "entries", 0)); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
	for _, id := range []string{"object", "broken", "scalar", "missing"} {
		if got := r.Resolve(ctx, id, 0); len(got) != 0 {
			t.Errorf("%s: got %v, want empty", id, got)
		}
	}
	if diff := cmp.Diff([]string{"broken", "entries", "flat", "missing", "object", "scalar"}, r.Cached()); diff != "" {
		t.Errorf("cached (-want +got):\n%s", diff)
	}
}

func TestResolve_CaseVariantFilenames(t *testing.T) {
	src := mapSource(map[string]string{
		"calm.json": `["lower"]`,
		"LOUD.JSON": `["upper"]`,
	})
	r := NewResolver(src, Config{}, nil)
	if got := r.Resolve(context.Background(), "Calm", 0); len(got) != 1 || got[0] != "lower" {
		t.Errorf("Calm: got %v", got)
	}
	if got := r.Resolve(context.Background(), "loud", 0); len(got) != 1 || got[0] != "upper" {
		t.Errorf("loud: got %v", got)
	}
}

type countingSource struct {
	Source
	opens atomic.Int32
}

func (c *countingSource) Open(ctx context.Context, id string) ([]byte, error) {
	c.opens.Add(1)
	return c.Source.Open(ctx, id)
}

func TestResolve_FirstInsertionWinsAndMemoises(t *testing.T) {
	src := &countingSource{Source: mapSource(map[string]string{"core.json": `["a", "b"]`})}
	r := NewResolver(src, Config{}, nil)
	ctx := context.Background()

	first := r.Resolve(ctx, "core", 0)
	for range 5 {
		r.Resolve(ctx, "core", 0)
	}
	if n := src.opens.Load(); n != 1 {
		t.Errorf("opens: got %d, want 1", n)
	}
	if got := r.store("core", []string{"replaced"}); !cmp.Equal(got, first) {
		t.Errorf("store should keep the first insertion: got %v", got)
	}
}

type stallSource struct {
	inner   Source
	stalled string
	release chan struct{}
}

func (s *stallSource) Open(ctx context.Context, id string) ([]byte, error) {
	if id == s.stalled {
		<-s.release // ignores ctx on purpose
		return nil, errors.New("too late")
	}
	return s.inner.Open(ctx, id)
}

func TestLines_StalledPackIsIsolated(t *testing.T) {
	src := &stallSource{
		inner:   mapSource(map[string]string{"core.json": `["steady"]`, "slow.json": `["never"]`}),
		stalled: "slow",
		release: make(chan struct{}),
	}
	defer close(src.release)

	r := NewResolver(src, Config{FetchTimeout: 20 * time.Millisecond}, nil)
	got := r.Lines(context.Background(), "slow, core")
	if diff := cmp.Diff([]string{"steady"}, got); diff != "" {
		t.Errorf("lines (-want +got):\n%s", diff)
	}
	for _, id := range r.Cached() {
		if id == "slow" {
			t.Error("timed-out pack must not be cached")
		}
	}
}

func TestLines_FallbackToCore(t *testing.T) {
	src := mapSource(map[string]string{"core.json": `["safety"]`, "empty.json": `[]`})
	r := NewResolver(src, Config{}, nil)
	ctx := context.Background()

	if diff := cmp.Diff([]string{"safety"}, r.Lines(ctx, "empty, missing")); diff != "" {
		t.Errorf("fallback (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"safety"}, r.Lines(ctx, "")); diff != "" {
		t.Errorf("empty selector (-want +got):\n%s", diff)
	}
	if got := r.Lines(ctx, "index"); len(got) != 1 {
		t.Errorf("index-only selector should fall back: got %v", got)
	}
}

func TestParseSelector(t *testing.T) {
	got := ParseSelector(" core , ,index,calm,")
	if diff := cmp.Diff([]string{"core", "calm"}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestFSSource_RejectsTraversal(t *testing.T) {
	src := mapSource(map[string]string{"core.json": `[]`})
	for _, id := range []string{"../core", "a/b", `a\b`, ".."} {
		if _, err := src.Open(context.Background(), id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("%q: got %v, want ErrInvalidID", id, err)
		}
	}
}

func TestLayered_FirstWins(t *testing.T) {
	user := mapSource(map[string]string{"core.json": `["mine"]`})
	l := Layered{user, Bundled()}
	r := NewResolver(l, Config{}, nil)
	ctx := context.Background()

	if diff := cmp.Diff([]string{"mine"}, r.Resolve(ctx, "core", 0)); diff != "" {
		t.Errorf("core (-want +got):\n%s", diff)
	}
	if got := r.Resolve(ctx, "calm", 0); len(got) == 0 {
		t.Error("calm should come from the bundled packs")
	}
}

func TestBundled_Motivational(t *testing.T) {
	r := NewResolver(Bundled(), Config{}, nil)
	ctx := context.Background()
	core := r.Resolve(ctx, "core", 0)
	calm := r.Resolve(ctx, "calm", 0)
	if len(core) == 0 || len(calm) == 0 {
		t.Fatalf("bundled packs empty: core=%d calm=%d", len(core), len(calm))
	}
	want := append(append([]string{}, core...), calm...)
	if diff := cmp.Diff(want, r.Resolve(ctx, "motivational", 0)); diff != "" {
		t.Errorf("motivational (-want +got):\n%s", diff)
	}
	cat, err := r.Catalog(ctx)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if diff := cmp.Diff([]string{"core", "calm", "motivational"}, cat); diff != "" {
		t.Errorf("catalog (-want +got):\n%s", diff)
	}
}
