package platform

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/cases"

	"github.com/hazyhaar/commentveil/dom"
)

// folded case-folds s. Casers are stateful, so each call gets its own.
func folded(s string) string { return cases.Fold().String(s) }

// IsUIJunk reports whether text is platform chrome (reply links, "view all"
// toggles, like summaries) rather than a comment. Empty text is junk.
func IsUIJunk(text string) bool {
	t := folded(dom.NormSpaces(text))
	switch t {
	case "", "reply", "more", "show more", "show less", "add a comment...", "add a comment…":
		return true
	}
	return strings.HasPrefix(t, "view replies") ||
		strings.HasPrefix(t, "view all") ||
		strings.HasPrefix(t, "liked by ")
}

// BestBody picks the comment body inside unit among elements matching
// candidates: the longest one that is not within a link, button, time,
// header or nav of the unit, has a letter, and is not UI junk.
func BestBody(unit *html.Node, candidates string) *html.Node {
	var best *html.Node
	bestLen := -1
	for _, n := range dom.QueryAll(unit, candidates) {
		if insideChrome(n, unit) {
			continue
		}
		raw := dom.Text(n)
		t := strings.TrimSpace(raw)
		if t == "" || IsUIJunk(t) || !dom.HasLetter(t) {
			continue
		}
		if l := utf8.RuneCountInString(raw); l > bestLen {
			best, bestLen = n, l
		}
	}
	return best
}

func insideChrome(n, unit *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			switch p.DataAtom {
			case atom.A, atom.Button, atom.Time, atom.Header, atom.Nav:
				return true
			}
		}
		if p == unit {
			return false
		}
	}
	return false
}

// Dedupe drops repeated nodes, keeping first occurrences in order.
func Dedupe(nodes []*html.Node) []*html.Node {
	seen := make(map[*html.Node]bool, len(nodes))
	out := nodes[:0:0]
	for _, n := range nodes {
		if n == nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// LoggedInGuess is a best-effort login heuristic from visible text: pages
// offering "log in" or "sign up" are assumed logged out.
func LoggedInGuess(doc *dom.Document) bool {
	t := folded(visibleText(doc.Body()))
	return !strings.Contains(t, "log in") && !strings.Contains(t, "sign up")
}

func visibleText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch {
		case c.Type == html.TextNode:
			b.WriteString(c.Data)
			b.WriteByte(' ')
			return
		case c.Type == html.ElementNode:
			switch c.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return dom.NormSpaces(b.String())
}
