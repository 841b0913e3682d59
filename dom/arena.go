package dom

import (
	"strconv"
	"sync"

	"golang.org/x/net/html"
)

// NodeID identifies an element for the lifetime of a page context. Zero is
// never assigned.
type NodeID uint64

// String formats the id in decimal, as written into marker attributes.
func (id NodeID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseNodeID parses a decimal marker value.
func ParseNodeID(s string) (NodeID, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return NodeID(v), true
}

// Arena hands out NodeIDs to elements. When a marker attribute is set, ids
// are seeded from it on Rebind and every freshly assigned id is written back
// to the element, so identity survives a re-parse of the same live page.
type Arena struct {
	mu     sync.Mutex
	marker string
	next   NodeID
	ids    map[*html.Node]NodeID
	nodes  map[NodeID]*html.Node
	fresh  []NodeID

	// dropped holds ids lost by Rebind, pending Prune.
	dropped []NodeID

	// parked holds elements Prune found detached. They get their id back
	// if seen again, until Release or Rebind.
	parked    map[*html.Node]NodeID
	parkedIDs map[NodeID]*html.Node
}

// NewArena returns an empty arena. marker may be empty.
func NewArena(marker string) *Arena {
	return &Arena{
		marker: marker,
		ids:       make(map[*html.Node]NodeID),
		nodes:     make(map[NodeID]*html.Node),
		parked:    make(map[*html.Node]NodeID),
		parkedIDs: make(map[NodeID]*html.Node),
	}
}

// Marker returns the marker attribute name, or "".
func (a *Arena) Marker() string { return a.marker }

// ID returns the id of n, assigning one on first sight. A parked element
// gets its previous id back.
func (a *Arena) ID(n *html.Node) NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.ids[n]; ok {
		return id
	}
	if id, ok := a.parked[n]; ok {
		delete(a.parked, n)
		delete(a.parkedIDs, id)
		if _, taken := a.nodes[id]; !taken {
			a.bindLocked(n, id)
			return id
		}
	}
	if a.marker != "" {
		if id, ok := ParseNodeID(Attr(n, a.marker)); ok {
			if _, taken := a.nodes[id]; !taken {
				a.bindLocked(n, id)
				return id
			}
		}
	}
	a.next++
	id := a.next
	a.bindLocked(n, id)
	if a.marker != "" {
		SetAttr(n, a.marker, id.String())
		a.fresh = append(a.fresh, id)
	}
	return id
}

// Lookup returns the element bound to id.
func (a *Arena) Lookup(id NodeID) (*html.Node, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[id]
	return n, ok
}

// Rebind drops node bindings (ids already handed out stay reserved) and
// re-seeds from marker attributes found under root. Ids bound before but
// absent under root are reported by the next Prune.
func (a *Arena) Rebind(root *html.Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.nodes
	a.ids = make(map[*html.Node]NodeID)
	a.nodes = make(map[NodeID]*html.Node)
	a.parked = make(map[*html.Node]NodeID)
	a.parkedIDs = make(map[NodeID]*html.Node)
	a.fresh = nil
	defer func() {
		for id := range prev {
			if _, ok := a.nodes[id]; !ok {
				a.dropped = append(a.dropped, id)
			}
		}
	}()
	if a.marker == "" || root == nil {
		return
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id, ok := ParseNodeID(Attr(n, a.marker)); ok {
				if _, taken := a.nodes[id]; !taken {
					a.bindLocked(n, id)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}

// Prune parks every element no longer under root and returns their ids,
// together with ids dropped by Rebind since the last call. Lookup no
// longer finds a parked element, but ID gives it the same id if the host
// attaches it again.
func (a *Arena) Prune(root *html.Node) []NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	gone := a.dropped
	a.dropped = nil
	for id, n := range a.nodes {
		if !Within(n, root) {
			gone = append(gone, id)
			delete(a.nodes, id)
			delete(a.ids, n)
			a.parked[n] = id
			a.parkedIDs[id] = n
		}
	}
	return gone
}

// Release drops parked elements for ids. Their ids are never reused.
func (a *Arena) Release(ids []NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		if n, ok := a.parkedIDs[id]; ok {
			delete(a.parked, n)
			delete(a.parkedIDs, id)
		}
	}
}

// Parked returns the number of parked elements.
func (a *Arena) Parked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parked)
}

// TakeFresh returns ids assigned since the last call whose markers have not
// yet been propagated elsewhere, and clears the list.
func (a *Arena) TakeFresh() []NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.fresh
	a.fresh = nil
	return out
}

// Len returns the number of bound elements.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

func (a *Arena) bindLocked(n *html.Node, id NodeID) {
	a.ids[n] = id
	a.nodes[id] = n
	if id > a.next {
		a.next = id
	}
}
