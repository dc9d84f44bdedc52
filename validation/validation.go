// Package validation decides whether a discovered file may be transferred.
package validation

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/provider"
)

// Category classifies the first hard failure found for a file.
type Category string

const (
	Valid              Category = ""
	InvalidFormat      Category = "INVALID_FORMAT"
	InvalidSize        Category = "INVALID_SIZE"
	InvalidName        Category = "INVALID_NAME"
	InvalidTimestamp   Category = "INVALID_TIMESTAMP"
	InvalidPermissions Category = "INVALID_PERMISSIONS"
	InvalidLockStatus  Category = "INVALID_LOCK_STATUS"
	InvalidContent     Category = "INVALID_CONTENT"
)

const (
	defaultHeaderBytes = 1024
	staleAge           = 30 * 24 * time.Hour
)

// Rules are the validation settings of one sender. Zero values disable the
// corresponding check.
type Rules struct {
	MinSize  int64
	MaxSize  int64
	WarnSize int64

	RequiredPattern   *regexp.Regexp
	ForbiddenPattern  *regexp.Regexp
	RequiredExtension string

	MinAge time.Duration
	MaxAge time.Duration

	CheckLock bool

	ValidateContent  bool
	RequiredContent  []string
	ForbiddenContent []string
	HeaderBytes      int
}

// ParseRules reads validation keys from a flat adapter configuration.
func ParseRules(cfg map[string]any) (Rules, error) {
	var (
		r    Rules
		errs []error
	)

	intKey := func(key string) int64 {
		v, ok := cfg[key]
		if !ok || v == nil || v == "" {
			return 0
		}
		n, err := cast.ToInt64E(v)
		if err != nil {
			errs = append(errs, errors.Errorf("%s: %w", key, err))
			return 0
		}
		if n < 0 {
			errs = append(errs, errors.Errorf("%s: must not be negative, got %d", key, n))
			return 0
		}
		return n
	}
	regexKey := func(key string) *regexp.Regexp {
		s := cast.ToString(cfg[key])
		if s == "" {
			return nil
		}
		re, err := regexp.Compile(s)
		if err != nil {
			errs = append(errs, errors.Errorf("%s: %w", key, err))
			return nil
		}
		return re
	}

	r.MinSize = intKey("minimumFileSize")
	r.MaxSize = intKey("maximumFileSize")
	r.WarnSize = intKey("warnFileSize")
	if r.MaxSize > 0 && r.MinSize > r.MaxSize {
		errs = append(errs, errors.Errorf("minimumFileSize %d exceeds maximumFileSize %d", r.MinSize, r.MaxSize))
	}

	r.RequiredPattern = regexKey("requiredFilePattern")
	r.ForbiddenPattern = regexKey("forbiddenFilePattern")
	r.RequiredExtension = strings.TrimSpace(cast.ToString(cfg["requiredExtension"]))

	r.MinAge = time.Duration(intKey("minimumFileAgeMinutes")) * time.Minute
	r.MaxAge = time.Duration(intKey("maximumFileAgeMinutes")) * time.Minute
	if r.MaxAge > 0 && r.MinAge > r.MaxAge {
		errs = append(errs, errors.New("minimumFileAgeMinutes exceeds maximumFileAgeMinutes"))
	}

	r.CheckLock = cast.ToBool(cfg["checkFileLock"])
	r.ValidateContent = cast.ToBool(cfg["validateContent"])
	r.RequiredContent = splitList(cast.ToString(cfg["requiredContentPatterns"]))
	r.ForbiddenContent = splitList(cast.ToString(cfg["forbiddenContentPatterns"]))
	r.HeaderBytes = int(intKey("contentHeaderBytes"))

	return r, errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Candidate is a file offered for validation. LocalPath is set only for
// files on the local filesystem; remote candidates skip the accessibility
// and lock checks.
type Candidate struct {
	Name      string
	Path      string
	Info      provider.FileInfo
	LocalPath string
}

// Result reports the outcome for one file. Name and Size are filled even
// when validation fails.
type Result struct {
	Name     string
	Size     int64
	Valid    bool
	Category Category
	Messages []string
	Warnings []string
}

func (r *Result) fail(c Category, format string, args ...any) *Result {
	r.Valid = false
	r.Category = c
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
	return r
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator runs Rules against candidates.
type Validator struct {
	Rules Rules
	// Now defaults to time.Now.
	Now func() time.Time
	// Open reads file content for the content check of remote candidates.
	Open func(ctx context.Context, path string) (io.ReadCloser, error)
}

// Validate runs the checks in order and stops at the first hard failure.
func (v *Validator) Validate(ctx context.Context, c Candidate) *Result {
	res := &Result{Name: c.Name, Valid: true}
	if c.Info == nil {
		return res.fail(InvalidFormat, "file %s does not exist", c.Name)
	}
	res.Size = c.Info.Size()

	steps := []func(context.Context, Candidate, *Result) bool{
		v.checkFormat,
		v.checkSize,
		v.checkName,
		v.checkTimestamp,
		v.checkAccess,
		v.checkContent,
	}
	for _, step := range steps {
		if !step(ctx, c, res) {
			break
		}
	}

	logger := zerolog.Ctx(ctx)
	for _, w := range res.Warnings {
		logger.Warn().Str("file", res.Name).Int64("bytes", res.Size).Msg(w)
	}
	if !res.Valid {
		logger.Info().
			Str("file", res.Name).
			Int64("bytes", res.Size).
			Str("category", string(res.Category)).
			Strs("messages", res.Messages).
			Msg("file failed validation")
	}
	return res
}

func (v *Validator) checkFormat(_ context.Context, c Candidate, res *Result) bool {
	if c.Info.IsDir() {
		res.fail(InvalidFormat, "%s is a directory, not a regular file", c.Name)
		return false
	}
	return true
}

func (v *Validator) checkSize(_ context.Context, c Candidate, res *Result) bool {
	size := c.Info.Size()
	r := v.Rules
	if r.MinSize > 0 && size < r.MinSize {
		res.fail(InvalidSize, "size %d is below minimum %d", size, r.MinSize)
		return false
	}
	if r.MaxSize > 0 && size > r.MaxSize {
		res.fail(InvalidSize, "size %d exceeds maximum %d", size, r.MaxSize)
		return false
	}
	if size == 0 {
		res.warn("file is empty")
	}
	if r.WarnSize > 0 && size > r.WarnSize {
		res.warn("size %d exceeds warning threshold %d", size, r.WarnSize)
	}
	return true
}

func (v *Validator) checkName(_ context.Context, c Candidate, res *Result) bool {
	r := v.Rules
	if r.RequiredPattern != nil && !r.RequiredPattern.MatchString(c.Name) {
		res.fail(InvalidName, "name does not match required pattern %s", r.RequiredPattern)
		return false
	}
	if r.ForbiddenPattern != nil && r.ForbiddenPattern.MatchString(c.Name) {
		res.fail(InvalidName, "name matches forbidden pattern %s", r.ForbiddenPattern)
		return false
	}
	if r.RequiredExtension != "" {
		ext := r.RequiredExtension
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if !strings.HasSuffix(strings.ToLower(c.Name), strings.ToLower(ext)) {
			res.fail(InvalidName, "name does not have required extension %s", ext)
			return false
		}
	}
	return true
}

func (v *Validator) checkTimestamp(_ context.Context, c Candidate, res *Result) bool {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	age := now.Sub(c.Info.ModTime())
	r := v.Rules

	if r.MinAge > 0 && age < r.MinAge {
		res.fail(InvalidTimestamp, "file age %s is below minimum %s", age.Truncate(time.Second), r.MinAge)
		return false
	}
	if r.MaxAge > 0 && age > r.MaxAge {
		res.fail(InvalidTimestamp, "file age %s exceeds maximum %s", age.Truncate(time.Second), r.MaxAge)
		return false
	}
	if age < 0 {
		res.warn("modification time is in the future")
	} else if age > staleAge {
		res.warn("file is older than 30 days")
	}
	return true
}

func (v *Validator) checkAccess(_ context.Context, c Candidate, res *Result) bool {
	if c.LocalPath == "" {
		return true
	}
	f, err := os.Open(c.LocalPath)
	if err != nil {
		res.fail(InvalidPermissions, "file is not readable: %v", err)
		return false
	}
	defer f.Close()

	if !v.Rules.CheckLock {
		return true
	}
	locked, err := probeLock(f)
	if err != nil {
		res.warn("lock probe failed: %v", err)
		return true
	}
	if locked {
		res.fail(InvalidLockStatus, "file is locked by another process")
		return false
	}
	return true
}

func (v *Validator) checkContent(ctx context.Context, c Candidate, res *Result) bool {
	r := v.Rules
	if !r.ValidateContent || (len(r.RequiredContent) == 0 && len(r.ForbiddenContent) == 0) {
		return true
	}

	header, err := v.readHeader(ctx, c)
	if err != nil {
		res.fail(InvalidContent, "reading content header: %v", err)
		return false
	}
	for _, pattern := range r.RequiredContent {
		if !strings.Contains(header, pattern) {
			res.fail(InvalidContent, "content is missing required pattern %q", pattern)
			return false
		}
	}
	for _, pattern := range r.ForbiddenContent {
		if strings.Contains(header, pattern) {
			res.fail(InvalidContent, "content contains forbidden pattern %q", pattern)
			return false
		}
	}
	return true
}

func (v *Validator) readHeader(ctx context.Context, c Candidate) (string, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	switch {
	case c.LocalPath != "":
		rc, err = os.Open(c.LocalPath)
	case v.Open != nil:
		rc, err = v.Open(ctx, c.Path)
	default:
		return "", errors.New("no reader available for content check")
	}
	if err != nil {
		return "", err
	}
	defer rc.Close()

	n := v.Rules.HeaderBytes
	if n <= 0 {
		n = defaultHeaderBytes
	}
	buf, err := io.ReadAll(io.LimitReader(rc, int64(n)))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}
