// Package youtube locates comment threads on YouTube watch, shorts and live
// pages.
package youtube

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/platform"
)

const (
	shellSel  = "ytd-watch-flexy, ytd-shorts"
	threadSel = "ytd-comment-thread-renderer, ytd-comment-renderer, ytd-comment-view-model"
	bodySel   = "ytd-comment-renderer [id='content-text'], " +
		"ytd-comment-view-model [id='content-text'], " +
		"ytd-comment-thread-renderer [id='content-text']"
)

// Strategies are tried in this order.
var Strategies = []string{
	"ytd-comments#comments",
	"#comments",
	"ytd-item-section-renderer#sections",
}

// Adapter is the YouTube platform adapter.
type Adapter struct {
	info platform.Info
}

// New returns the adapter.
func New() *Adapter {
	return &Adapter{info: platform.NewInfo("youtube-adapter", "1.0.0", Strategies)}
}

// ID implements platform.Adapter.
func (a *Adapter) ID() platform.Platform { return platform.YouTube }

// Info implements platform.Adapter.
func (a *Adapter) Info() platform.Info { return a.info }

// LocateRoot implements platform.Adapter.
func (a *Adapter) LocateRoot(doc *dom.Document) platform.Discovery {
	return platform.Locate(doc, inContext, Strategies, verify)
}

func inContext(doc *dom.Document) bool {
	if dom.QueryFirst(doc.Root, shellSel) != nil {
		return true
	}
	p := doc.Path()
	return strings.HasPrefix(p, "/watch") || strings.HasPrefix(p, "/shorts") || strings.HasPrefix(p, "/live")
}

func verify(_ *dom.Document, n *html.Node) bool {
	if dom.Closest(n, shellSel) == nil {
		return false
	}
	return dom.Matches(n, "ytd-comments") || dom.QueryFirst(n, threadSel) != nil
}

// ExtractBodies implements platform.Adapter.
func (a *Adapter) ExtractBodies(root *html.Node) []*html.Node {
	var out []*html.Node
	for _, n := range dom.QueryAll(root, bodySel) {
		if dom.Closest(n, threadSel) == nil {
			continue
		}
		if platform.IsUIJunk(dom.Text(n)) {
			continue
		}
		out = append(out, n)
	}
	return platform.Dedupe(out)
}
