package platform

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/commentveil/dom"
)

// Outcome is the terminal state of root discovery.
type Outcome int

const (
	// NotAttempted is the zero value before discovery runs.
	NotAttempted Outcome = iota
	// ContextMismatch means the page cannot host a comment thread. Not a failure.
	ContextMismatch
	// Verified means Root is set.
	Verified
	// Exhausted means every strategy was tried without a verified root.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case ContextMismatch:
		return "context_mismatch"
	case Verified:
		return "verified"
	case Exhausted:
		return "exhausted"
	default:
		return "not_attempted"
	}
}

// Discovery is the result of one root discovery pass.
type Discovery struct {
	Root      *html.Node
	Attempted []string
	// Candidates counts elements matched by any strategy, verified or not.
	Candidates int
	Outcome    Outcome
}

// Locate runs the discovery state machine. inContext false short-circuits
// with ContextMismatch and no attempted strategies. Otherwise every
// element matched by each strategy, in priority then document order, is
// offered to verify; the first accepted one is the root.
func Locate(doc *dom.Document, inContext func(*dom.Document) bool, strategies []string,
	verify func(*dom.Document, *html.Node) bool) Discovery {

	if inContext != nil && !inContext(doc) {
		return Discovery{Outcome: ContextMismatch}
	}

	var d Discovery
	for _, sel := range strategies {
		d.Attempted = append(d.Attempted, sel)
		for _, n := range dom.QueryAll(doc.Root, sel) {
			d.Candidates++
			if verify == nil || verify(doc, n) {
				d.Root = n
				d.Outcome = Verified
				return d
			}
		}
	}
	d.Outcome = Exhausted
	return d
}
