// Package x locates reply threads on X (Twitter) status pages.
package x

import (
	"regexp"

	"golang.org/x/net/html"

	"github.com/hazyhaar/commentveil/dom"
	"github.com/hazyhaar/commentveil/platform"
)

const (
	tweetSel = "article[data-testid='tweet']"
	textSel  = "div[data-testid='tweetText']"
)

var statusRoute = regexp.MustCompile(`^/[^/]+/status/\d+`)

// Strategies are tried in this order.
var Strategies = []string{
	"div[data-testid='primaryColumn'] section[role='region']",
	"main section[role='region']",
	"div[aria-label^='Timeline: Conversation']",
}

// Adapter is the X platform adapter.
type Adapter struct {
	info platform.Info
}

// New returns the adapter.
func New() *Adapter {
	return &Adapter{info: platform.NewInfo("x-adapter", "1.0.0", Strategies)}
}

// ID implements platform.Adapter.
func (a *Adapter) ID() platform.Platform { return platform.X }

// Info implements platform.Adapter.
func (a *Adapter) Info() platform.Info { return a.info }

// LocateRoot implements platform.Adapter.
func (a *Adapter) LocateRoot(doc *dom.Document) platform.Discovery {
	return platform.Locate(doc, inContext, Strategies, verify)
}

func inContext(doc *dom.Document) bool {
	return statusRoute.MatchString(doc.Path())
}

func verify(_ *dom.Document, n *html.Node) bool {
	if dom.Closest(n, "div[data-testid='primaryColumn']") == nil && dom.Closest(n, "main") == nil {
		return false
	}
	return dom.QueryFirst(n, tweetSel) != nil
}

// ExtractBodies implements platform.Adapter. The first tweet in the thread
// is the focal post and is skipped.
func (a *Adapter) ExtractBodies(root *html.Node) []*html.Node {
	tweets := dom.QueryAll(root, tweetSel)
	if len(tweets) < 2 {
		return nil
	}
	var out []*html.Node
	for _, t := range tweets[1:] {
		body := dom.QueryFirst(t, textSel)
		if body == nil || platform.IsUIJunk(dom.Text(body)) {
			continue
		}
		out = append(out, body)
	}
	return platform.Dedupe(out)
}
