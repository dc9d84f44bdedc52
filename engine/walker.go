package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/provider"
)

// Entry is a file found by a Walker.
type Entry struct {
	Path string
	Info provider.FileInfo
}

// Walker lists a source directory and filters its regular files by an
// inclusion mask and an exclusion mask. Masks are glob patterns matched
// against the file name; several masks may be given separated by commas.
type Walker struct {
	Provider provider.Provider
	include  []string
	exclude  []string
}

// NewWalker validates the masks and returns a walker over p. An empty
// include mask matches every file.
func NewWalker(p provider.Provider, include, exclude string) (*Walker, error) {
	inc := splitMasks(include)
	if len(inc) == 0 {
		inc = []string{"*"}
	}
	exc := splitMasks(exclude)

	for _, m := range append(append([]string{}, inc...), exc...) {
		if !doublestar.ValidatePattern(m) {
			return nil, errors.Errorf("invalid file mask %q", m)
		}
	}
	return &Walker{Provider: p, include: inc, exclude: exc}, nil
}

func splitMasks(s string) []string {
	var out []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// Match reports whether name passes the masks. Exclusion wins.
func (w *Walker) Match(name string) bool {
	for _, m := range w.exclude {
		if ok, _ := doublestar.Match(m, name); ok {
			return false
		}
	}
	for _, m := range w.include {
		if ok, _ := doublestar.Match(m, name); ok {
			return true
		}
	}
	return false
}

// Discover lists dir and returns matching regular files ordered by name.
func (w *Walker) Discover(ctx context.Context, dir string) ([]Entry, error) {
	infos, err := w.Provider.List(ctx, dir)
	if err != nil {
		return nil, errors.Errorf("listing %s: %w", dir, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || !w.Match(info.Name()) {
			continue
		}
		entries = append(entries, Entry{
			Path: provider.Join(w.Provider, dir, info.Name()),
			Info: info,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Info.Name() < entries[j].Info.Name()
	})
	return entries, nil
}
