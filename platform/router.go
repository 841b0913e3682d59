package platform

import (
	"net/url"
	"regexp"
	"strings"
)

// ForHost maps a host name to its platform.
func ForHost(host string) (Platform, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	switch {
	case host == "instagram.com" || strings.HasSuffix(host, ".instagram.com"):
		return Instagram, true
	case host == "x.com" || strings.HasSuffix(host, ".x.com"),
		host == "twitter.com" || strings.HasSuffix(host, ".twitter.com"):
		return X, true
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"), host == "youtu.be":
		return YouTube, true
	}
	return "", false
}

// Router selects the adapter for a page URL.
type Router struct {
	adapters map[Platform]Adapter
}

// NewRouter registers adapters by their platform id. A later adapter for
// the same platform replaces an earlier one.
func NewRouter(adapters ...Adapter) *Router {
	r := &Router{adapters: make(map[Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Pick returns the adapter for u, or nil when the site is unsupported.
func (r *Router) Pick(u *url.URL) Adapter {
	if u == nil {
		return nil
	}
	p, ok := ForHost(u.Hostname())
	if !ok {
		return nil
	}
	return r.adapters[p]
}

// Adapters returns the registered adapters.
func (r *Router) Adapters() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, p := range []Platform{YouTube, Instagram, X} {
		if a, ok := r.adapters[p]; ok {
			out = append(out, a)
		}
	}
	return out
}

var (
	igPostRoute  = regexp.MustCompile(`^/(p|reel|tv)/`)
	xStatusRoute = regexp.MustCompile(`/status/\d+`)
)

// IsInstagramPostRoute reports whether path is a single post, reel or tv page.
func IsInstagramPostRoute(path string) bool { return igPostRoute.MatchString(path) }

// PageTypeFor infers the page type from the platform and URL path.
func PageTypeFor(p Platform, path string) PageType {
	switch p {
	case YouTube:
		switch {
		case strings.HasPrefix(path, "/watch"), strings.HasPrefix(path, "/shorts"):
			return PagePost
		case strings.HasPrefix(path, "/live"):
			return PageLive
		}
		return PageFeed
	case Instagram:
		if igPostRoute.MatchString(path) {
			return PagePost
		}
		return PageFeed
	default:
		if xStatusRoute.MatchString(path) {
			return PageReplies
		}
		return PageFeed
	}
}
