// Package naming computes output file names for delivered files.
package naming

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Mode selects how the output name is derived from the original name.
type Mode string

const (
	UseOriginal  Mode = "UseOriginal"
	AddTimestamp Mode = "AddTimestamp"
	Custom       Mode = "Custom"
)

const (
	timestampLayout = "20060102150405"
	dateLayout      = "20060102"
)

// ParseMode accepts the configured mode names; empty means UseOriginal.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", UseOriginal:
		return UseOriginal, nil
	case AddTimestamp, Custom:
		return Mode(s), nil
	}
	return "", errors.Errorf("unknown output filename mode %q", s)
}

// Generator expands filename modes. The zero value uses the wall clock and
// random UUIDs.
type Generator struct {
	Now   func() time.Time
	NewID func() (string, error)
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Generator) newID() (string, error) {
	if g.NewID != nil {
		return g.NewID()
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Generate returns the output name for original. Custom patterns that cannot
// be expanded fall back to the original name with a warning; naming never
// fails a transfer.
func (g Generator) Generate(ctx context.Context, original string, mode Mode, pattern string) string {
	switch mode {
	case AddTimestamp:
		return WithTimestamp(original, g.now())
	case Custom:
		if strings.TrimSpace(pattern) == "" {
			zerolog.Ctx(ctx).Warn().Str("file", original).Msg("custom filename mode without pattern, keeping original name")
			return original
		}
		name, err := g.expand(original, pattern)
		if err != nil {
			zerolog.Ctx(ctx).Warn().
				Str("file", original).
				Str("pattern", pattern).
				Err(err).
				Msg("custom filename pattern failed, keeping original name")
			return original
		}
		return name
	default:
		return original
	}
}

// WithTimestamp inserts _yyyyMMddHHmmss before the extension of name.
func WithTimestamp(name string, t time.Time) string {
	stem, ext := Split(name)
	return stem + "_" + t.Format(timestampLayout) + ext
}

// Split separates name into stem and extension (with its leading dot).
// Dot-files such as ".profile" have no extension.
func Split(name string) (stem, ext string) {
	ext = filepath.Ext(name)
	if ext == name {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

func (g Generator) expand(original, pattern string) (string, error) {
	stem, ext := Split(original)
	now := g.now()

	var out strings.Builder
	rest := pattern
	for {
		open := strings.IndexByte(rest, '{')
		closing := strings.IndexByte(rest, '}')
		if open < 0 {
			if closing >= 0 {
				return "", errors.Errorf("unbalanced '}' in pattern %q", pattern)
			}
			out.WriteString(rest)
			break
		}
		if closing < open {
			return "", errors.Errorf("unbalanced braces in pattern %q", pattern)
		}
		out.WriteString(rest[:open])

		switch placeholder := rest[open+1 : closing]; placeholder {
		case "original_name":
			out.WriteString(stem)
		case "timestamp":
			out.WriteString(now.Format(timestampLayout))
		case "date":
			out.WriteString(now.Format(dateLayout))
		case "extension":
			out.WriteString(ext)
		case "uuid":
			id, err := g.newID()
			if err != nil {
				return "", errors.Errorf("generating uuid: %w", err)
			}
			out.WriteString(id)
		default:
			return "", errors.Errorf("unknown placeholder {%s}", placeholder)
		}
		rest = rest[closing+1:]
	}

	name := out.String()
	if name == "" || name == "." || name == ".." {
		return "", errors.Errorf("pattern %q produced an empty name", pattern)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", errors.Errorf("pattern %q produced a path, not a file name: %q", pattern, name)
	}
	return name, nil
}
