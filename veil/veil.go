// Package veil is the per-node masking state machine.
//
// Each comment body the engine claims gets a MaskState in a side table
// keyed by dom.NodeID. A node is claimed at most once: after that it is
// either skipped or masked for good, whatever its text later becomes.
// Masked nodes then move between veil and original text in response to
// pointer input, following one of two branches fixed by the Device chosen
// at construction:
//
//	Hover: enter reveals, leave re-veils, click toggles a lock that
//	       survives leave.
//	Touch: each tap toggles between veil and original.
package veil

import (
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/platform"
	"github.com/hazyhaar/commentveil/settings"
)

// Badge is appended to the veil text of comments carrying the automation tag.
const Badge = " ⚙︎"

// State is the externally visible state of a node. MaskedRevealedTransient
// is reachable only on Hover, MaskedRevealedSticky only on Touch.
type State int

const (
	Unseen State = iota
	SeenSkipped
	Masked
	MaskedRevealedTransient
	MaskedLocked
	MaskedRevealedSticky
)

func (s State) String() string {
	switch s {
	case SeenSkipped:
		return "SEEN_SKIPPED"
	case Masked:
		return "MASKED"
	case MaskedRevealedTransient:
		return "MASKED_REVEALED_TRANSIENT"
	case MaskedLocked:
		return "MASKED_LOCKED"
	case MaskedRevealedSticky:
		return "MASKED_REVEALED_STICKY"
	default:
		return "UNSEEN"
	}
}

// Device selects the interaction branch.
type Device int

const (
	Hover Device = iota
	Touch
)

func (d Device) String() string {
	if d == Touch {
		return "touch"
	}
	return "hover"
}

// Event is a pointer interaction on a masked node.
type Event int

const (
	PointerEnter Event = iota
	PointerLeave
	Click
)

func (e Event) String() string {
	switch e {
	case PointerEnter:
		return "pointerenter"
	case PointerLeave:
		return "pointerleave"
	case Click:
		return "click"
	}
	return "unknown"
}

// ParseEvent maps a DOM event type to an Event.
func ParseEvent(s string) (Event, bool) {
	switch s {
	case "pointerenter", "mouseenter":
		return PointerEnter, true
	case "pointerleave", "mouseleave":
		return PointerLeave, true
	case "click", "tap":
		return Click, true
	}
	return 0, false
}

// MaskState is the auxiliary state attached to one node. Revealed and
// Locked are meaningful only when Masked.
type MaskState struct {
	Seen         bool
	Masked       bool
	OriginalText string
	VeilText     string
	Revealed     bool
	Locked       bool
}

// State derives the state machine position.
func (m *MaskState) State() State {
	switch {
	case m == nil || !m.Seen:
		return Unseen
	case !m.Masked:
		return SeenSkipped
	case m.Locked:
		return MaskedLocked
	case m.Revealed:
		return MaskedRevealedTransient
	}
	return Masked
}

// Display returns the text the node should show.
func (m *MaskState) Display() string {
	if m.Locked || m.Revealed {
		return m.OriginalText
	}
	return m.VeilText
}

// LogValue implements slog.LogValuer. Text is never included.
func (m *MaskState) LogValue() slog.Value {
	if m == nil {
		return slog.StringValue("nil")
	}
	return slog.GroupValue(
		slog.Bool("seen", m.Seen),
		slog.Bool("masked", m.Masked),
		slog.Bool("revealed", m.Revealed),
		slog.Bool("locked", m.Locked),
	)
}

// Outcome is the result of Handle.
type Outcome struct {
	// Display is the text the node should now show. Empty when the node
	// is not masked.
	Display string
	// Previous is the text the node showed before the event.
	Previous string
	// Changed reports whether Display differs from before the event.
	Changed bool
	// Consumed asks the surface to stop the event (preventDefault and
	// stopPropagation), as masked nodes do for clicks.
	Consumed bool
}

// Engine owns the side table.
type Engine struct {
	device Device
	logger *slog.Logger

	mu    sync.Mutex
	nodes map[dom.NodeID]*MaskState
	// veils counts masked nodes per veil text.
	veils map[string]int

	// Detached entries stay claimed until evicted oldest first.
	detached map[dom.NodeID]uint64
	order    []detachment
	seq      uint64
}

type detachment struct {
	id  dom.NodeID
	seq uint64
}

// New returns an engine fixed to device.
func New(device Device, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		device:   device,
		logger:   logger,
		nodes:    make(map[dom.NodeID]*MaskState),
		veils:    make(map[string]int),
		detached: make(map[dom.NodeID]uint64),
	}
}

func veilKey(text string) string { return strings.TrimSpace(text) }

// Device returns the interaction branch.
func (e *Engine) Device() Device { return e.device }

// Claim marks id seen. It returns false if id was already claimed, in which
// case the caller must leave the node alone. Claiming a detached id marks
// it attached again.
func (e *Engine) Claim(id dom.NodeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.nodes[id]; ok && m.Seen {
		delete(e.detached, id)
		return false
	}
	e.nodes[id] = &MaskState{Seen: true}
	return true
}

// Skip leaves a claimed node unmasked for good.
func (e *Engine) Skip(id dom.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.nodes[id]; ok {
		if !m.Masked {
			*m = MaskState{Seen: true}
		}
		return
	}
	e.nodes[id] = &MaskState{Seen: true}
}

// Eligible reports whether text is worth masking: non-empty and not
// platform chrome.
func Eligible(text string) bool {
	return dom.NormSpaces(text) != "" && !platform.IsUIJunk(text)
}

// Mask masks a claimed node with line and returns the veil text to display.
// Ineligible text or an empty line skips the node and returns "". Masking
// an already masked node returns its existing veil text unchanged.
func (e *Engine) Mask(id dom.NodeID, original, line string, s settings.Snapshot) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.nodes[id]
	if !ok {
		m = &MaskState{Seen: true}
		e.nodes[id] = m
	}
	if m.Masked {
		return m.VeilText
	}
	if !Eligible(original) || line == "" {
		return ""
	}

	display := line
	if s.AutomationBadgeEnabled && HasTag(original, s.Tag()) {
		display += Badge
	}
	*m = MaskState{
		Seen:         true,
		Masked:       true,
		OriginalText: original,
		VeilText:     display,
	}
	e.veils[veilKey(display)]++
	e.logger.Debug("veil: masked", "node", id, "state", m)
	return display
}

// HasTag reports whether text contains tag, ignoring case.
func HasTag(text, tag string) bool {
	if tag == "" {
		return false
	}
	return strings.Contains(cases.Fold().String(text), cases.Fold().String(tag))
}

// Handle applies a pointer event to a node. Events on nodes that are not
// masked are ignored.
func (e *Engine) Handle(id dom.NodeID, ev Event) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.nodes[id]
	if !ok || !m.Masked {
		return Outcome{}
	}
	before := m.Display()

	var consumed bool
	switch e.device {
	case Hover:
		switch ev {
		case PointerEnter:
			if !m.Locked {
				m.Revealed = true
			}
		case PointerLeave:
			if !m.Locked {
				m.Revealed = false
			}
		case Click:
			consumed = true
			if m.Locked {
				m.Locked = false
				m.Revealed = false
			} else {
				m.Locked = true
			}
		}
	case Touch:
		if ev == Click {
			consumed = true
			m.Revealed = !m.Revealed
		}
	}

	after := m.Display()
	return Outcome{Display: after, Previous: before, Changed: after != before, Consumed: consumed}
}

// State returns the position of id in the state machine.
func (e *Engine) State(id dom.NodeID) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.nodes[id].State()
	if st == MaskedRevealedTransient && e.device == Touch {
		return MaskedRevealedSticky
	}
	return st
}

// Display returns the text id should show and whether it is masked.
func (e *Engine) Display(id dom.NodeID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.nodes[id]
	if !ok || !m.Masked {
		return "", false
	}
	return m.Display(), true
}

// Len returns the number of claimed nodes.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.nodes)
}

// Counts returns the number of nodes per state.
func (e *Engine) Counts() map[State]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[State]int)
	for _, m := range e.nodes {
		st := m.State()
		if st == MaskedRevealedTransient && e.device == Touch {
			st = MaskedRevealedSticky
		}
		out[st]++
	}
	return out
}

// Veiled reports whether text is the veil text of a masked node. A node
// showing it must not be claimed as if it were an original comment.
func (e *Engine) Veiled(text string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.veils[veilKey(text)] > 0
}

// Revert turns a masked node back into a skipped one, for when the page
// could not be made to show the veil. It reports whether id was masked.
func (e *Engine) Revert(id dom.NodeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.nodes[id]
	if !ok || !m.Masked {
		return false
	}
	e.unveilLocked(m)
	*m = MaskState{Seen: true}
	return true
}

// Detach marks the entries of ids as detached from the page. They stay
// claimed, so a host that attaches the same element again finds it masked
// as before. It returns how many ids had entries and the ids that had
// none.
func (e *Engine) Detach(ids []dom.NodeID) (tracked int, untracked []dom.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if _, ok := e.nodes[id]; !ok {
			untracked = append(untracked, id)
			continue
		}
		tracked++
		if _, ok := e.detached[id]; ok {
			continue
		}
		e.seq++
		e.detached[id] = e.seq
		e.order = append(e.order, detachment{id: id, seq: e.seq})
	}
	return tracked, untracked
}

// Detached returns the number of detached entries.
func (e *Engine) Detached() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.detached)
}

// Evict drops the oldest detached entries until at most limit remain and
// returns their ids.
func (e *Engine) Evict(limit int) []dom.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []dom.NodeID
	i := 0
	for ; i < len(e.order) && len(e.detached) > limit; i++ {
		d := e.order[i]
		if seq, ok := e.detached[d.id]; !ok || seq != d.seq {
			continue
		}
		delete(e.detached, d.id)
		e.dropLocked(d.id)
		out = append(out, d.id)
	}
	e.order = e.order[i:]
	if len(e.order) > 2*len(e.detached)+64 {
		live := make([]detachment, 0, len(e.detached))
		for _, d := range e.order {
			if seq, ok := e.detached[d.id]; ok && seq == d.seq {
				live = append(live, d)
			}
		}
		e.order = live
	}
	return out
}

// Forget drops the entries of ids outright. It returns how many were
// present.
func (e *Engine) Forget(ids []dom.NodeID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, id := range ids {
		if e.dropLocked(id) {
			delete(e.detached, id)
			n++
		}
	}
	return n
}

func (e *Engine) dropLocked(id dom.NodeID) bool {
	m, ok := e.nodes[id]
	if !ok {
		return false
	}
	if m.Masked {
		e.unveilLocked(m)
	}
	delete(e.nodes, id)
	return true
}

func (e *Engine) unveilLocked(m *MaskState) {
	k := veilKey(m.VeilText)
	if e.veils[k] <= 1 {
		delete(e.veils, k)
		return
	}
	e.veils[k]--
}
