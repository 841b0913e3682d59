package dom

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector group. It supports the subset the
// platform adapters need:
//   - tag: "article", "ytd-comments"
//   - #id: "#comments"
//   - .class: ".content"
//   - [attr], [attr=val], [attr^=val], [attr*=val] with optional quotes
//   - compounds: "div[role='dialog']", "ytd-comments#comments"
//   - descendant combinator: "ytd-comment-renderer [id='content-text']"
//   - groups separated by commas
type Selector struct {
	source string
	groups [][]compound
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

type attrMatch struct {
	key string
	op  string // "", "=", "^=", "*="
	val string
}

var selectorCache sync.Map // string -> *Selector

// Compile parses a selector group.
func Compile(sel string) (*Selector, error) {
	if v, ok := selectorCache.Load(sel); ok {
		return v.(*Selector), nil
	}

	s := &Selector{source: sel}
	for _, group := range splitTopLevel(sel, ',') {
		group = strings.TrimSpace(group)
		if group == "" {
			return nil, fmt.Errorf("dom: empty selector group in %q", sel)
		}
		var chain []compound
		for _, part := range splitTopLevel(group, ' ') {
			if part == "" {
				continue
			}
			c, err := parseCompound(part)
			if err != nil {
				return nil, fmt.Errorf("dom: selector %q: %w", sel, err)
			}
			chain = append(chain, c)
		}
		s.groups = append(s.groups, chain)
	}
	if len(s.groups) == 0 {
		return nil, fmt.Errorf("dom: empty selector")
	}

	selectorCache.Store(sel, s)
	return s, nil
}

// MustCompile is like Compile but panics on a malformed selector. Intended
// for package-level selector tables.
func MustCompile(sel string) *Selector {
	s, err := Compile(sel)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the selector source.
func (s *Selector) String() string { return s.source }

// Match reports whether n matches any group of the selector. Ancestor
// compounds may match anywhere above n, as in the browser.
func (s *Selector) Match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, chain := range s.groups {
		if matchChain(n, chain) {
			return true
		}
	}
	return false
}

func matchChain(n *html.Node, chain []compound) bool {
	last := len(chain) - 1
	if !chain[last].match(n) {
		return false
	}
	i := last - 1
	for p := n.Parent; p != nil && i >= 0; p = p.Parent {
		if chain[i].match(p) {
			i--
		}
	}
	return i < 0
}

// QueryAll returns every descendant of root (root excluded) matching the
// selector, in document order. Each node appears once.
func (s *Selector) QueryAll(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if s.Match(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}

// QueryFirst returns the first descendant of root matching the selector.
func (s *Selector) QueryFirst(root *html.Node) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if s.Match(c) {
				found = c
				return true
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	if root != nil {
		walk(root)
	}
	return found
}

// QueryAll compiles sel and returns all matching descendants of root. A
// malformed selector matches nothing.
func QueryAll(root *html.Node, sel string) []*html.Node {
	s, err := Compile(sel)
	if err != nil {
		return nil
	}
	return s.QueryAll(root)
}

// QueryFirst compiles sel and returns the first matching descendant of root.
func QueryFirst(root *html.Node, sel string) *html.Node {
	s, err := Compile(sel)
	if err != nil {
		return nil
	}
	return s.QueryFirst(root)
}

// Matches reports whether n matches sel.
func Matches(n *html.Node, sel string) bool {
	s, err := Compile(sel)
	if err != nil {
		return false
	}
	return s.Match(n)
}

// Closest returns n or its nearest ancestor matching sel, like Element.closest.
func Closest(n *html.Node, sel string) *html.Node {
	s, err := Compile(sel)
	if err != nil {
		return nil
	}
	for p := n; p != nil; p = p.Parent {
		if s.Match(p) {
			return p
		}
	}
	return nil
}

func (c compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && c.tag != "*" && n.Data != c.tag {
		return false
	}
	if c.id != "" && Attr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(Attr(n, "class"))
		for _, want := range c.classes {
			found := false
			for _, h := range have {
				if h == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		val, ok := attrLookup(n, a.key)
		if !ok {
			return false
		}
		switch a.op {
		case "=":
			if val != a.val {
				return false
			}
		case "^=":
			if a.val == "" || !strings.HasPrefix(val, a.val) {
				return false
			}
		case "*=":
			if a.val == "" || !strings.Contains(val, a.val) {
				return false
			}
		}
	}
	return true
}

// parseCompound parses "tag#id.class[attr=val]" in any order after the tag.
func parseCompound(s string) (compound, error) {
	var c compound
	i := 0
	for i < len(s) && (isIdentByte(s[i]) || s[i] == '*') {
		i++
	}
	c.tag = strings.ToLower(s[:i])

	for i < len(s) {
		switch s[i] {
		case '#', '.':
			kind := s[i]
			j := i + 1
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			if j == i+1 {
				return c, fmt.Errorf("empty name after %q", kind)
			}
			if kind == '#' {
				c.id = s[i+1 : j]
			} else {
				c.classes = append(c.classes, s[i+1:j])
			}
			i = j
		case '[':
			end := closingBracket(s, i)
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute selector")
			}
			a, err := parseAttr(s[i+1 : end])
			if err != nil {
				return c, err
			}
			c.attrs = append(c.attrs, a)
			i = end + 1
		default:
			return c, fmt.Errorf("unexpected %q", s[i])
		}
	}
	return c, nil
}

func parseAttr(expr string) (attrMatch, error) {
	for _, op := range []string{"^=", "*=", "="} {
		if idx := strings.Index(expr, op); idx >= 0 {
			key := strings.TrimSpace(expr[:idx])
			if key == "" {
				return attrMatch{}, fmt.Errorf("empty attribute name")
			}
			val := strings.TrimSpace(expr[idx+len(op):])
			val = strings.Trim(val, `"'`)
			return attrMatch{key: key, op: op, val: val}, nil
		}
	}
	key := strings.TrimSpace(expr)
	if key == "" {
		return attrMatch{}, fmt.Errorf("empty attribute name")
	}
	return attrMatch{key: key}, nil
}

func closingBracket(s string, open int) int {
	var quote byte
	for i := open + 1; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == ']':
			return i
		}
	}
	return -1
}

// splitTopLevel splits s on sep, ignoring separators inside brackets or
// quotes. Whitespace splitting collapses runs.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var quote byte
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '[':
			depth++
		case ch == ']':
			if depth > 0 {
				depth--
			}
		case depth == 0 && (ch == sep || (sep == ' ' && isSpace(ch))):
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	if sep == ' ' {
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return parts
}

func isIdentByte(b byte) bool {
	return b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
