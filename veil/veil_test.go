package veil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/settings"
)

const original = "this video changed my life"

func masked(t *testing.T, d Device) (*Engine, dom.NodeID) {
	t.Helper()
	e := New(d, nil)
	id := dom.NodeID(7)
	if !e.Claim(id) {
		t.Fatalf("claim: fresh node refused")
	}
	if got := e.Mask(id, original, "Rest here.", settings.Defaults()); got != "Rest here." {
		t.Fatalf("mask: got %q", got)
	}
	return e, id
}

func TestClaim_Once(t *testing.T) {
	e := New(Hover, nil)
	if !e.Claim(1) {
		t.Fatal("first claim refused")
	}
	if e.Claim(1) {
		t.Error("second claim accepted")
	}
	if e.State(1) != SeenSkipped {
		t.Errorf("claimed but unmasked: %v", e.State(1))
	}
	if e.State(2) != Unseen {
		t.Errorf("unknown node: %v", e.State(2))
	}
}

func TestMask_SkipsIneligible(t *testing.T) {
	e := New(Hover, nil)
	cases := map[dom.NodeID]struct{ text, line string }{
		1: {"", "Rest here."},
		2: {"   \n ", "Rest here."},
		3: {"Reply", "Rest here."},
		4: {"View all 12 replies", "Rest here."},
		5: {"a real comment", ""},
	}
	for id, c := range cases {
		e.Claim(id)
		if got := e.Mask(id, c.text, c.line, settings.Defaults()); got != "" {
			t.Errorf("node %d: masked as %q", id, got)
		}
		if e.State(id) != SeenSkipped {
			t.Errorf("node %d: state %v", id, e.State(id))
		}
	}
}

func TestMask_Idempotent(t *testing.T) {
	e, id := masked(t, Hover)
	if e.Claim(id) {
		t.Error("masked node reclaimed")
	}
	if got := e.Mask(id, "something else", "Paused for now.", settings.Defaults()); got != "Rest here." {
		t.Errorf("remask changed veil to %q", got)
	}
	e.Skip(id)
	if e.State(id) != Masked {
		t.Errorf("skip demoted a masked node: %v", e.State(id))
	}
	if e.Len() != 1 {
		t.Errorf("len: %d", e.Len())
	}
}

func TestMask_Badge(t *testing.T) {
	e := New(Hover, nil)
	s := settings.Defaults()

	e.Claim(1)
	if got := e.Mask(1, "posted by my bot #AUTO", "Rest here.", s); got != "Rest here."+Badge {
		t.Errorf("tagged: %q", got)
	}

	e.Claim(2)
	if got := e.Mask(2, "no tag here", "Rest here.", s); got != "Rest here." {
		t.Errorf("untagged: %q", got)
	}

	s.AutomationBadgeEnabled = false
	e.Claim(3)
	if got := e.Mask(3, "#auto", "Rest here.", s); got != "Rest here." {
		t.Errorf("badge disabled: %q", got)
	}

	s = settings.Merge(settings.Defaults(), settings.Partial{AutoTag: settings.String("")})
	e.Claim(4)
	if got := e.Mask(4, "#auto inside", "Rest here.", s); got != "Rest here."+Badge {
		t.Errorf("empty tag falls back to default: %q", got)
	}
}

func TestHandle_RevealSymmetryOnHover(t *testing.T) {
	e, id := masked(t, Hover)

	steps := []struct {
		ev      Event
		display string
		state   State
	}{
		{PointerEnter, original, MaskedRevealedTransient},
		{PointerLeave, "Rest here.", Masked},
		{PointerEnter, original, MaskedRevealedTransient},
		{Click, original, MaskedLocked},
		{PointerLeave, original, MaskedLocked},
		{PointerEnter, original, MaskedLocked},
		{Click, "Rest here.", Masked},
		{PointerLeave, "Rest here.", Masked},
	}
	for i, s := range steps {
		out := e.Handle(id, s.ev)
		if out.Display != s.display {
			t.Errorf("step %d %v: display %q, want %q", i, s.ev, out.Display, s.display)
		}
		if got := e.State(id); got != s.state {
			t.Errorf("step %d %v: state %v, want %v", i, s.ev, got, s.state)
		}
		if s.ev == Click && !out.Consumed {
			t.Errorf("step %d: click on masked node not consumed", i)
		}
	}
}

func TestHandle_ClickLocksFromMasked(t *testing.T) {
	e, id := masked(t, Hover)
	out := e.Handle(id, Click)
	if !out.Changed || out.Display != original || e.State(id) != MaskedLocked {
		t.Errorf("got %+v state %v", out, e.State(id))
	}
}

func TestHandle_TapSymmetryOnTouch(t *testing.T) {
	e, id := masked(t, Touch)

	want := []string{original, "Rest here.", original, "Rest here."}
	for i, w := range want {
		out := e.Handle(id, Click)
		if out.Display != w || !out.Changed || !out.Consumed {
			t.Errorf("tap %d: %+v, want display %q", i, out, w)
		}
	}
	if e.State(id) != Masked {
		t.Errorf("after even taps: %v", e.State(id))
	}
	e.Handle(id, Click)
	if e.State(id) != MaskedRevealedSticky {
		t.Errorf("after odd taps: %v", e.State(id))
	}
}

func TestHandle_TouchIgnoresPointerMoves(t *testing.T) {
	e, id := masked(t, Touch)
	for _, ev := range []Event{PointerEnter, PointerLeave} {
		out := e.Handle(id, ev)
		if out.Changed || out.Consumed || out.Display != "Rest here." {
			t.Errorf("%v: %+v", ev, out)
		}
	}
}

func TestHandle_UnmaskedNodeIgnored(t *testing.T) {
	e := New(Hover, nil)
	e.Claim(3)
	e.Skip(3)
	if out := e.Handle(3, Click); out != (Outcome{}) {
		t.Errorf("skipped node: %+v", out)
	}
	if out := e.Handle(99, PointerEnter); out != (Outcome{}) {
		t.Errorf("unknown node: %+v", out)
	}
}

func TestForget(t *testing.T) {
	e, id := masked(t, Hover)
	e.Claim(8)
	if n := e.Forget([]dom.NodeID{id, 100}); n != 1 {
		t.Errorf("forgot %d", n)
	}
	if e.State(id) != Unseen || e.Len() != 1 {
		t.Errorf("state %v len %d", e.State(id), e.Len())
	}
}

func TestDetach_KeepsClaimUntilEvicted(t *testing.T) {
	e, id := masked(t, Hover)
	tracked, untracked := e.Detach([]dom.NodeID{id, 50})
	if tracked != 1 {
		t.Errorf("tracked: got %d, want 1", tracked)
	}
	if diff := cmp.Diff([]dom.NodeID{50}, untracked); diff != "" {
		t.Errorf("untracked (-want +got):\n%s", diff)
	}

	// The host attached it again: still claimed, still masked.
	if e.Claim(id) {
		t.Error("detached node must not be claimed again")
	}
	if e.State(id) != Masked || e.Detached() != 0 {
		t.Errorf("after reattach: state %v detached %d", e.State(id), e.Detached())
	}
	if out := e.Handle(id, PointerEnter); out.Display != original || out.Previous != "Rest here." {
		t.Errorf("reveal: %+v", out)
	}
}

func TestEvict_OldestFirst(t *testing.T) {
	e := New(Hover, nil)
	for id := dom.NodeID(1); id <= 4; id++ {
		e.Claim(id)
		e.Mask(id, "comment body", "Line", settings.Defaults())
	}
	e.Detach([]dom.NodeID{1, 2})
	e.Claim(1) // reattached, no longer a candidate
	e.Detach([]dom.NodeID{3, 1, 4})

	got := e.Evict(2)
	if diff := cmp.Diff([]dom.NodeID{2, 3}, got); diff != "" {
		t.Errorf("evicted (-want +got):\n%s", diff)
	}
	if e.State(2) != Unseen || e.State(1) != Masked || e.Detached() != 2 {
		t.Errorf("states: 1=%v 2=%v detached=%d", e.State(1), e.State(2), e.Detached())
	}
	if more := e.Evict(2); len(more) != 0 {
		t.Errorf("second evict: got %v", more)
	}
}

func TestVeiled_TracksMaskedVeilTexts(t *testing.T) {
	e, id := masked(t, Hover)
	if !e.Veiled("  Rest here. ") {
		t.Error("veil text of a masked node must be known")
	}
	if e.Veiled(original) {
		t.Error("original text is not a veil text")
	}
	if !e.Revert(id) {
		t.Fatal("revert: node was masked")
	}
	if e.Veiled("Rest here.") {
		t.Error("reverted node's veil text is still known")
	}
	if e.State(id) != SeenSkipped || e.Claim(id) {
		t.Errorf("reverted node: state %v, must stay claimed", e.State(id))
	}
}

func TestCounts(t *testing.T) {
	e, id := masked(t, Touch)
	e.Handle(id, Click)
	e.Claim(2)
	e.Skip(2)
	want := map[State]int{MaskedRevealedSticky: 1, SeenSkipped: 1}
	if diff := cmp.Diff(want, e.Counts()); diff != "" {
		t.Errorf("counts (-want +got):\n%s", diff)
	}
}

func TestMaskState_LogValueOmitsText(t *testing.T) {
	e, id := masked(t, Hover)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e.mu.Lock()
	m := e.nodes[id]
	e.mu.Unlock()
	logger.Info("state", "node", m)

	out := buf.String()
	if strings.Contains(out, original) || strings.Contains(out, "Rest here.") {
		t.Errorf("log leaked text: %s", out)
	}
	if !strings.Contains(out, `"masked":true`) {
		t.Errorf("log missing state: %s", out)
	}
}

func TestParseEvent(t *testing.T) {
	for in, want := range map[string]Event{"pointerenter": PointerEnter, "mouseleave": PointerLeave, "click": Click} {
		if got, ok := ParseEvent(in); !ok || got != want {
			t.Errorf("%s: %v %v", in, got, ok)
		}
	}
	if _, ok := ParseEvent("scroll"); ok {
		t.Error("scroll accepted")
	}
}
