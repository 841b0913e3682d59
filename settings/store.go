package settings

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("settings: store closed")

// Store persists settings and pushes changes.
type Store interface {
	// Load returns the current snapshot, defaults filled in.
	Load(ctx context.Context) (Snapshot, error)
	// Save merges p into the stored settings and returns the result.
	Save(ctx context.Context, p Partial) (Snapshot, error)
	// Watch calls fn with every non-empty change until ctx is done. It
	// returns nil on cancellation and ErrClosed if the store closes.
	Watch(ctx context.Context, fn func(Partial)) error
}

// hub fans changes out to Watch callers.
type hub struct {
	mu     sync.Mutex
	subs   map[int]func(Partial)
	next   int
	closed bool
	done   chan struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[int]func(Partial)), done: make(chan struct{})}
}

func (h *hub) subscribe(ctx context.Context, fn func(Partial)) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-h.done:
		return ErrClosed
	}
}

func (h *hub) publish(p Partial) {
	if p.IsZero() {
		return
	}
	h.mu.Lock()
	fns := make([]func(Partial), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (h *hub) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	close(h.done)
	return true
}

func (h *hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// MemStore keeps settings in memory. Used by embedders and tests.
type MemStore struct {
	mu  sync.Mutex
	cur Snapshot
	hub *hub
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a store seeded with initial.
func NewMemStore(initial Snapshot) *MemStore {
	return &MemStore{cur: Merge(initial, Partial{}), hub: newHub()}
}

// Load implements Store.
func (m *MemStore) Load(context.Context) (Snapshot, error) {
	if m.hub.isClosed() {
		return Snapshot{}, ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur, nil
}

// Save implements Store.
func (m *MemStore) Save(_ context.Context, p Partial) (Snapshot, error) {
	if m.hub.isClosed() {
		return Snapshot{}, ErrClosed
	}
	m.mu.Lock()
	next := Merge(m.cur, p)
	diff := Diff(m.cur, next)
	m.cur = next
	m.mu.Unlock()

	m.hub.publish(diff)
	return next, nil
}

// Watch implements Store.
func (m *MemStore) Watch(ctx context.Context, fn func(Partial)) error {
	return m.hub.subscribe(ctx, fn)
}

// Close releases watchers.
func (m *MemStore) Close() error {
	m.hub.close()
	return nil
}
