package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/mutation"
	"github.com/hazyhaar/commentveil/platform"
	"github.com/hazyhaar/commentveil/veil"
)

var (
	// ErrNodeGone is returned by Render when the id no longer resolves to
	// an element on the page.
	ErrNodeGone = errors.New("engine: node gone")
	// ErrTextChanged is returned by Render when the element no longer
	// shows the text the write expected to replace.
	ErrTextChanged = errors.New("engine: text changed")
)

// Surface is the page the engine works on.
type Surface interface {
	platform.Host
	// Render replaces the text of the element bound to id with to, but
	// only while it still shows from; otherwise it returns ErrTextChanged
	// and leaves the element alone. Engine writes must not be reported
	// back through Observe.
	Render(ctx context.Context, id dom.NodeID, from, to string) error
	// Device reports the input capability, read once at engine construction.
	Device() veil.Device
}

// PageSurface is a Surface over an in-process dom.Page.
type PageSurface struct {
	page   *dom.Page
	device veil.Device
}

var _ Surface = (*PageSurface)(nil)

// NewPageSurface wraps page.
func NewPageSurface(page *dom.Page, device veil.Device) *PageSurface {
	return &PageSurface{page: page, device: device}
}

// Page returns the wrapped page.
func (s *PageSurface) Page() *dom.Page { return s.page }

// Acquire implements platform.Host.
func (s *PageSurface) Acquire(ctx context.Context) (*dom.Document, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	doc, release := s.page.Acquire()
	if doc.Arena == nil {
		doc.Arena = dom.NewArena("")
	}
	return doc, release, nil
}

// Observe implements platform.Host.
func (s *PageSurface) Observe(fn func(mutation.Batch)) func() {
	return s.page.Observe(fn)
}

// Render implements Surface. The write is silent.
func (s *PageSurface) Render(ctx context.Context, id dom.NodeID, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	s.page.View(func(doc *dom.Document) {
		if doc.Arena == nil {
			err = fmt.Errorf("%w: %s", ErrNodeGone, id)
			return
		}
		n, ok := doc.Arena.Lookup(id)
		if !ok || !dom.Within(n, doc.Root) {
			err = fmt.Errorf("%w: %s", ErrNodeGone, id)
			return
		}
		if dom.Text(n) != from {
			err = fmt.Errorf("%w: %s", ErrTextChanged, id)
			return
		}
		dom.SetText(n, to)
	})
	return err
}

// Device implements Surface.
func (s *PageSurface) Device() veil.Device { return s.device }
