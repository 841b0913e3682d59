// Package dom is the document model the veiling engine works against: an
// x/net/html tree plus a stable per-element identity arena, a CSS subset
// query engine and an observable Page owner.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Document is a parsed page bound to its URL and identity arena.
type Document struct {
	URL   *url.URL
	Root  *html.Node
	Arena *Arena
}

// Parse reads an HTML document. rawURL must be absolute; the platform
// router and the context guards key off its host and path.
func Parse(r io.Reader, rawURL string) (*Document, error) {
	return ParseWithArena(r, rawURL, NewArena(""))
}

// ParseWithArena parses into an existing arena, rebinding it to the new
// tree. Used when the same page context is re-snapshotted.
func ParseWithArena(r io.Reader, rawURL string, arena *Arena) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dom: parse url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("dom: url %q has no host", rawURL)
	}
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse html: %w", err)
	}
	arena.Rebind(root)
	return &Document{URL: u, Root: root, Arena: arena}, nil
}

// ParseString is Parse over a string.
func ParseString(src, rawURL string) (*Document, error) {
	return Parse(strings.NewReader(src), rawURL)
}

// Host returns the lower-cased host without port.
func (d *Document) Host() string {
	return strings.ToLower(d.URL.Hostname())
}

// Path returns the URL path, "/" when empty.
func (d *Document) Path() string {
	if d.URL.Path == "" {
		return "/"
	}
	return d.URL.Path
}

// Body returns the <body> element, or the root when absent.
func (d *Document) Body() *html.Node {
	if b := QueryFirst(d.Root, "body"); b != nil {
		return b
	}
	return d.Root
}

// HTML renders the whole document.
func (d *Document) HTML() (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.Root); err != nil {
		return "", fmt.Errorf("dom: render: %w", err)
	}
	return buf.String(), nil
}

// Render writes n and its subtree to w.
func Render(w io.Writer, n *html.Node) error {
	return html.Render(w, n)
}
