package pack

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

var (
	// ErrNotFound is returned by a Source that has no file for an identifier.
	ErrNotFound = errors.New("pack: not found")
	// ErrInvalidID rejects identifiers that could escape the pack directory.
	ErrInvalidID = errors.New("pack: invalid identifier")
)

// Source is a read-only store of pack documents keyed by identifier.
type Source interface {
	Open(ctx context.Context, id string) ([]byte, error)
}

//go:embed packs/*.json
var bundled embed.FS

// Bundled returns the packs shipped with the binary.
func Bundled() *FSSource {
	sub, err := fs.Sub(bundled, "packs")
	if err != nil {
		panic(err) // embedded directory is fixed at build time
	}
	return NewFSSource(sub)
}

// FSSource reads packs from a filesystem, trying the case-variant file
// names <id>.json, <id>.JSON, <lower>.json and <UPPER>.JSON in order.
type FSSource struct {
	fsys fs.FS
}

// NewFSSource wraps fsys.
func NewFSSource(fsys fs.FS) *FSSource {
	return &FSSource{fsys: fsys}
}

// Dir returns an FSSource over a directory on disk.
func Dir(path string) *FSSource {
	return NewFSSource(os.DirFS(path))
}

// Open returns the first candidate file that exists.
func (s *FSSource) Open(ctx context.Context, id string) ([]byte, error) {
	if err := ValidID(id); err != nil {
		return nil, err
	}
	for _, name := range Candidates(id) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(s.fsys, name)
		if err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Candidates lists the file names tried for id, without duplicates.
func Candidates(id string) []string {
	raw := []string{
		id + ".json",
		id + ".JSON",
		strings.ToLower(id) + ".json",
		strings.ToUpper(id) + ".JSON",
	}
	out := raw[:0]
	seen := make(map[string]bool, len(raw))
	for _, n := range raw {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// ValidID reports whether id is a plain file stem.
func ValidID(id string) error {
	if id == "" || id == "." || strings.Contains(id, "..") ||
		strings.ContainsAny(id, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Layered consults each source in order; the first that has the pack wins.
// A user directory layered over Bundled() overrides shipped packs by name.
type Layered []Source

// Open implements Source.
func (l Layered) Open(ctx context.Context, id string) ([]byte, error) {
	for _, src := range l {
		data, err := src.Open(ctx, id)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}
