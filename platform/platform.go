// Package platform locates the verified comment subtree of a supported
// social platform and extracts the comment body elements inside it.
//
// Each platform is an independent Adapter (see the youtube, instagram and x
// subpackages). Root discovery is a small state machine shared through
// Locate: a context guard first decides whether the page can contain a
// comment thread at all, then strategies are tried in priority order and
// the first candidate that passes verification wins.
package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/commentveil/dom"
)

// Platform identifies a supported site.
type Platform string

const (
	YouTube   Platform = "yt"
	Instagram Platform = "ig"
	X         Platform = "x"
)

// PageType is the coarse kind of page being viewed.
type PageType string

const (
	PageFeed    PageType = "feed"
	PagePost    PageType = "post"
	PageReplies PageType = "replies"
	PageLive    PageType = "live"
)

// Info identifies an adapter build.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// NewInfo derives Hash from the adapter's strategy list so any selector
// change is visible in drift reports.
func NewInfo(name, version string, strategies []string) Info {
	sum := sha256.Sum256([]byte(name + "\x00" + version + "\x00" + strings.Join(strategies, "\x00")))
	return Info{Name: name, Version: version, Hash: hex.EncodeToString(sum[:6])}
}

// Adapter is the per-platform capability set.
type Adapter interface {
	ID() Platform
	Info() Info
	// LocateRoot runs root discovery against doc.
	LocateRoot(doc *dom.Document) Discovery
	// ExtractBodies returns the comment body elements under a verified root,
	// each at most once.
	ExtractBodies(root *html.Node) []*html.Node
}

// DebounceFor returns the mutation quiet period used by adapter sessions.
func DebounceFor(p Platform) time.Duration {
	if p == YouTube {
		return 300 * time.Millisecond
	}
	return 350 * time.Millisecond
}
