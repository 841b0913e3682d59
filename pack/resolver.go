// Package pack resolves content packs into veil lines.
//
// A pack is a JSON document: either a flat list (strings or {"text": ...}
// objects, optionally under "entries") or a meta-pack {"packs": [...]}
// naming child packs. Resolution is depth-bounded, memoised per resolver,
// and never fails: a missing or broken pack resolves to nothing.
//
// Usage:
//
//	r := pack.NewResolver(pack.Layered{pack.Dir(userDir), pack.Bundled()}, pack.Config{}, logger)
//	lines := r.Lines(ctx, "core,motivational")
//	line := pack.NewPicker(nil).Pick(lines)
package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// MaxDepth bounds meta-pack recursion. Anything deeper resolves empty.
	MaxDepth = 4
	// IndexID names the catalog document, which is never a pack.
	IndexID = "index"
	// FallbackID is resolved when the active selector yields nothing.
	FallbackID = "core"
)

// Config controls resolution.
type Config struct {
	// FetchTimeout bounds a single pack fetch. Default: 2s.
	FetchTimeout time.Duration
	// Fallback is the pack used when nothing else resolves. Default: "core".
	Fallback string
}

func (c *Config) defaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Second
	}
	if c.Fallback == "" {
		c.Fallback = FallbackID
	}
}

// Resolver loads and caches packs from a Source. Cached sequences are never
// replaced once stored.
type Resolver struct {
	src    Source
	cfg    Config
	logger *slog.Logger
	policy *bluemonday.Policy

	mu    sync.RWMutex
	cache map[string][]string
	group singleflight.Group
}

// NewResolver creates a Resolver.
func NewResolver(src Source, cfg Config, logger *slog.Logger) *Resolver {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		src:    src,
		cfg:    cfg,
		logger: logger,
		policy: bluemonday.StrictPolicy(),
		cache:  make(map[string][]string),
	}
}

// Resolve returns the lines of pack id resolved at the given depth. The
// result must not be modified.
func (r *Resolver) Resolve(ctx context.Context, id string, depth int) []string {
	lines, _ := r.resolve(ctx, id, depth, nil)
	return lines
}

// resolve reports final=false when a fetch was cut short, in which case
// nothing derived from it is cached. path holds the meta-packs currently
// being expanded; a child already on it contributes nothing.
func (r *Resolver) resolve(ctx context.Context, id string, depth int, path []string) ([]string, bool) {
	if id == "" || id == IndexID || depth > MaxDepth || slices.Contains(path, id) {
		return nil, true
	}
	if lines, ok := r.cached(id); ok {
		return lines, true
	}

	type result struct {
		lines []string
		final bool
	}
	key := fmt.Sprintf("%s@%d", strings.Join(append(slices.Clone(path), id), ">"), depth)
	v, _, _ := r.group.Do(key, func() (any, error) {
		if lines, ok := r.cached(id); ok {
			return result{lines, true}, nil
		}
		lines, final := r.load(ctx, id, depth, path)
		if final {
			lines = r.store(id, lines)
		}
		return result{lines, final}, nil
	})
	res := v.(result)
	return res.lines, res.final
}

func (r *Resolver) load(ctx context.Context, id string, depth int, path []string) ([]string, bool) {
	data, err := r.fetch(ctx, id)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		r.logger.Warn("pack: fetch timed out", "pack", id, "error", err)
		return nil, false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidID):
		r.logger.Debug("pack: unavailable", "pack", id, "error", err)
		return nil, true
	case err != nil:
		r.logger.Warn("pack: fetch failed", "pack", id, "error", err)
		return nil, true
	}

	doc, err := decode(data)
	if err != nil {
		r.logger.Warn("pack: malformed", "pack", id, "error", err)
		return nil, true
	}

	if doc.children != nil {
		var merged []string
		final := true
		inner := append(slices.Clone(path), id)
		for _, child := range doc.children {
			lines, ok := r.resolve(ctx, child, depth+1, inner)
			if !ok {
				final = false
			}
			merged = append(merged, lines...)
		}
		return merged, final
	}

	lines := make([]string, 0, len(doc.entries))
	for _, e := range doc.entries {
		if s := r.clean(e); s != "" {
			lines = append(lines, s)
		}
	}
	return lines, true
}

// fetch runs Source.Open under its own deadline and gives up on a source
// that ignores cancellation.
func (r *Resolver) fetch(ctx context.Context, id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := r.src.Open(ctx, id)
		ch <- result{data, err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) clean(s string) string {
	s = r.policy.Sanitize(s)
	return strings.TrimSpace(html.UnescapeString(s))
}

func (r *Resolver) cached(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lines, ok := r.cache[id]
	return lines, ok
}

func (r *Resolver) store(id string, lines []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.cache[id]; ok {
		return prev
	}
	r.cache[id] = lines
	return lines
}

// Cached returns the identifiers currently memoised, sorted.
func (r *Resolver) Cached() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.cache))
	for id := range r.cache {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Lines resolves a comma-separated pack selector. Each pack resolves on its
// own goroutine with its own fetch deadline; results concatenate in
// selector order. When nothing resolves and the selector does not name the
// fallback pack, the fallback is used.
func (r *Resolver) Lines(ctx context.Context, selector string) []string {
	ids := ParseSelector(selector)
	results := make([][]string, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			results[i] = r.Resolve(ctx, id, 0)
			return nil
		})
	}
	_ = g.Wait()

	var merged []string
	for _, lines := range results {
		merged = append(merged, lines...)
	}
	if len(merged) == 0 && !slices.Contains(ids, r.cfg.Fallback) {
		merged = append(merged, r.Resolve(ctx, r.cfg.Fallback, 0)...)
	}
	return merged
}

// Catalog lists the pack identifiers declared by the index document.
func (r *Resolver) Catalog(ctx context.Context) ([]string, error) {
	data, err := r.fetch(ctx, IndexID)
	if err != nil {
		return nil, fmt.Errorf("pack: catalog: %w", err)
	}
	doc, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("pack: catalog: %w", err)
	}
	if doc.children != nil {
		return doc.children, nil
	}
	return doc.entries, nil
}

// ParseSelector splits a comma-separated selector, trimming blanks and
// dropping empty names and the index document.
func ParseSelector(selector string) []string {
	var ids []string
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == IndexID {
			continue
		}
		ids = append(ids, part)
	}
	return ids
}

type document struct {
	children []string // non-nil for meta-packs
	entries  []string
}

func decode(data []byte) (document, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return document{}, err
	}
	switch t := v.(type) {
	case []any:
		return document{entries: texts(t)}, nil
	case map[string]any:
		if packs, ok := t["packs"].([]any); ok {
			children := make([]string, 0, len(packs))
			for _, p := range packs {
				if s, ok := p.(string); ok && s != "" {
					children = append(children, s)
				}
			}
			return document{children: children}, nil
		}
		if entries, ok := t["entries"].([]any); ok {
			return document{entries: texts(entries)}, nil
		}
		return document{}, nil
	default:
		return document{}, fmt.Errorf("unexpected top-level %T", v)
	}
}

func texts(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		switch t := e.(type) {
		case string:
			out = append(out, t)
		case map[string]any:
			if s, ok := t["text"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
