package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// XPath returns a positional path for n, e.g. /html/body/div[2]/p. Sibling
// indices are only emitted when a parent has several children with the same
// tag.
func XPath(n *html.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type {
	case html.DocumentNode:
		return ""
	case html.TextNode:
		return XPath(n.Parent) + "/text()"
	case html.CommentNode:
		return XPath(n.Parent) + "/comment()"
	case html.ElementNode:
	default:
		return XPath(n.Parent)
	}

	name := strings.ToLower(n.Data)
	switch name {
	case "html":
		return "/html"
	case "head":
		return "/html/head"
	case "body":
		return "/html/body"
	}

	parentPath := XPath(n.Parent)
	if n.Parent == nil {
		return "/" + name
	}

	idx, total := 0, 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || strings.ToLower(c.Data) != name {
			continue
		}
		total++
		if c == n {
			idx = total
		}
	}
	if total > 1 {
		return fmt.Sprintf("%s/%s[%d]", parentPath, name, idx)
	}
	return parentPath + "/" + name
}
