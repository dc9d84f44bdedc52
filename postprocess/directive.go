// Package postprocess applies the source-side disposition of a file after
// it has been delivered downstream.
package postprocess

import (
	"strings"
	"time"

	"github.com/spf13/cast"
	"gitlab.com/tozd/go/errors"
)

// Action is the configured post-processing action.
type Action string

const (
	Archive          Action = "ARCHIVE"
	KeepAndMark      Action = "KEEP_AND_MARK"
	KeepAndReprocess Action = "KEEP_AND_REPROCESS"
	Delete           Action = "DELETE"
)

// Compression is the archive compression type. Unsupported values archive
// uncompressed.
type Compression string

const (
	CompressNone Compression = "NONE"
	CompressGzip Compression = "GZIP"
	CompressZip  Compression = "ZIP"
)

// DefaultProcessedSuffix is appended by KEEP_AND_MARK when no suffix is set.
const DefaultProcessedSuffix = ".processed"

// Directive is the post-processing configuration of one sender. Only the
// fields of the selected Action are consulted.
type Directive struct {
	Action Action

	ArchiveDirectory     string
	ArchiveWithTimestamp bool
	Compression          Compression

	ProcessedDirectory string
	ProcessedSuffix    string

	ReprocessingDelay time.Duration

	DeleteBackupDirectory string
	ConfirmDelete         bool
}

// ParseDirective resolves the directive from a flat adapter configuration.
// Only an unknown action or a malformed delay is an error.
func ParseDirective(cfg map[string]any) (Directive, error) {
	d := Directive{
		Action:                Action(strings.ToUpper(strings.TrimSpace(cast.ToString(cfg["postProcessAction"])))),
		ArchiveDirectory:      strings.TrimSpace(cast.ToString(cfg["archiveDirectory"])),
		ArchiveWithTimestamp:  cast.ToBool(cfg["archiveWithTimestamp"]),
		Compression:           Compression(strings.ToUpper(strings.TrimSpace(cast.ToString(cfg["compressionType"])))),
		ProcessedDirectory:    strings.TrimSpace(cast.ToString(cfg["processedDirectory"])),
		ProcessedSuffix:       cast.ToString(cfg["processedFileSuffix"]),
		DeleteBackupDirectory: strings.TrimSpace(cast.ToString(cfg["deleteBackupDirectory"])),
		ConfirmDelete:         cast.ToBool(cfg["confirmDelete"]),
	}

	var errs []error
	switch d.Action {
	case "":
		d.Action = Archive
	case Archive, KeepAndMark, KeepAndReprocess, Delete:
	default:
		errs = append(errs, errors.Errorf("unknown postProcessAction %q", d.Action))
	}
	if d.Compression == "" {
		d.Compression = CompressNone
	}
	if d.ProcessedSuffix == "" {
		d.ProcessedSuffix = DefaultProcessedSuffix
	}

	delay, err := parseDelay(cfg["reprocessingDelay"])
	if err != nil {
		errs = append(errs, errors.Errorf("reprocessingDelay: %w", err))
	}
	d.ReprocessingDelay = delay

	return d, errors.Join(errs...)
}

// parseDelay accepts a Go duration string or a number of milliseconds.
func parseDelay(v any) (time.Duration, error) {
	s := strings.TrimSpace(cast.ToString(v))
	if s == "" {
		return 0, nil
	}
	if ms, err := cast.ToInt64E(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
