package dom

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/commentveil/mutation"
)

// Page owns a Document and serialises access to it. Reads and engine writes
// go through View or Acquire and are silent; host changes go through Mutate
// and are broadcast to observers.
type Page struct {
	mu  sync.Mutex
	doc *Document

	obsMu     sync.Mutex
	observers map[int]func(mutation.Batch)
	nextObs   int
	seq       uint64
}

// NewPage wraps doc.
func NewPage(doc *Document) *Page {
	return &Page{doc: doc, observers: make(map[int]func(mutation.Batch))}
}

// Acquire locks the page and returns its document plus the release func.
// release is idempotent.
func (p *Page) Acquire() (*Document, func()) {
	p.mu.Lock()
	var once sync.Once
	return p.doc, func() { once.Do(p.mu.Unlock) }
}

// View runs fn with exclusive access to the document. Observers are not
// notified.
func (p *Page) View(fn func(*Document)) {
	doc, release := p.Acquire()
	defer release()
	fn(doc)
}

// Mutate runs fn as a host mutation. The records fn returns are delivered
// to observers after the lock is released.
func (p *Page) Mutate(fn func(*Document) []mutation.Record) []mutation.Record {
	p.mu.Lock()
	records := fn(p.doc)
	url := p.doc.URL.String()
	p.mu.Unlock()

	if len(records) > 0 {
		p.notify(url, records)
	}
	return records
}

// Navigate swaps in a new document, keeping the arena, and emits doc_reset.
func (p *Page) Navigate(doc *Document) {
	p.Mutate(func(old *Document) []mutation.Record {
		if doc.Arena == nil {
			doc.Arena = old.Arena
		}
		p.doc = doc
		return []mutation.Record{{Op: mutation.OpDocReset}}
	})
}

// Observe registers fn to receive every host mutation batch and returns a
// func that unregisters it.
func (p *Page) Observe(fn func(mutation.Batch)) (cancel func()) {
	p.obsMu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.obsMu.Unlock()

	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

func (p *Page) notify(url string, records []mutation.Record) {
	p.obsMu.Lock()
	p.seq++
	batch := mutation.Batch{
		PageURL:   url,
		Seq:       p.seq,
		Records:   records,
		Timestamp: time.Now().UnixMilli(),
	}
	fns := make([]func(mutation.Batch), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.obsMu.Unlock()

	for _, fn := range fns {
		fn(batch)
	}
}

// AppendHTML parses fragment in the context of parent, appends the result
// and returns one insert record per top-level node. Intended for use inside
// Mutate.
func AppendHTML(parent *html.Node, fragment string) ([]mutation.Record, error) {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	records := make([]mutation.Record, 0, len(nodes))
	for _, n := range nodes {
		parent.AppendChild(n)
		records = append(records, mutation.Insert(XPath(n), n.Data))
	}
	return records, nil
}

// RemoveNode detaches n and returns the remove record.
func RemoveNode(n *html.Node) mutation.Record {
	rec := mutation.Remove(XPath(n), n.Data)
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
	return rec
}
