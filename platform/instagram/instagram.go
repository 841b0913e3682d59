// Package instagram locates the comment list of an open Instagram post.
//
// Posts render as a modal dialog over the feed or as a standalone /p/,
// /reel/ or /tv/ page. Inside, the comment thread is the <ul> that scores
// highest on comment-like structure; its first item is the caption.
package instagram

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/platform"
)

const (
	dialogSel = "div[role='dialog']"
	textySel  = "span[dir='auto'], span[role='text'], span[lang]"

	// Threshold is the minimum thread score.
	Threshold = 6
)

// Strategies are tried in this order.
var Strategies = []string{
	"div[role='dialog'] article",
	"div[role='dialog']",
	"main article",
	"article",
}

// Adapter is the Instagram platform adapter.
type Adapter struct {
	info platform.Info
}

// New returns the adapter.
func New() *Adapter {
	return &Adapter{info: platform.NewInfo("instagram-adapter", "1.0.0", Strategies)}
}

// ID implements platform.Adapter.
func (a *Adapter) ID() platform.Platform { return platform.Instagram }

// Info implements platform.Adapter.
func (a *Adapter) Info() platform.Info { return a.info }

// LocateRoot implements platform.Adapter.
func (a *Adapter) LocateRoot(doc *dom.Document) platform.Discovery {
	return platform.Locate(doc, inContext, Strategies, verify)
}

func inContext(doc *dom.Document) bool {
	return dom.QueryFirst(doc.Root, dialogSel) != nil || platform.IsInstagramPostRoute(doc.Path())
}

func verify(doc *dom.Document, n *html.Node) bool {
	inDialog := dom.Closest(n, dialogSel) != nil
	onPost := platform.IsInstagramPostRoute(doc.Path()) && dom.Closest(n, "main, article") != nil
	if !inDialog && !onPost {
		return false
	}
	return PickThread(n) != nil
}

// Score rates how much ul looks like a comment thread. Lists with fewer
// than two items score zero.
func Score(ul *html.Node) int {
	items := dom.QueryAll(ul, "li")
	if len(items) < 2 {
		return 0
	}
	score := 0
	for _, li := range items {
		if dom.QueryFirst(li, "time") != nil {
			score += 3
		}
		if dom.QueryFirst(li, textySel) != nil {
			score++
		}
		if dom.QueryFirst(li, "nav, header") != nil {
			score -= 2
		}
	}
	return score
}

// PickThread returns the highest scoring <ul> under root, or nil when none
// reaches Threshold. Ties keep the first in document order.
func PickThread(root *html.Node) *html.Node {
	var best *html.Node
	bestScore := 0
	for _, ul := range dom.QueryAll(root, "ul") {
		if s := Score(ul); s > bestScore {
			best, bestScore = ul, s
		}
	}
	if bestScore < Threshold {
		return nil
	}
	return best
}

// ExtractBodies implements platform.Adapter. The first item of the thread
// is the caption and is never returned.
func (a *Adapter) ExtractBodies(root *html.Node) []*html.Node {
	ul := PickThread(root)
	if ul == nil {
		return nil
	}
	items := dom.QueryAll(ul, "li")
	if len(items) < 2 {
		return nil
	}
	var out []*html.Node
	for _, li := range items[1:] {
		if body := platform.BestBody(li, textySel); body != nil {
			out = append(out, body)
		}
	}
	return platform.Dedupe(out)
}
