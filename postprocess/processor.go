package postprocess

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/naming"
	"github.com/franksops/filehub/provider"
)

// Disposition is what actually happened to the source file.
type Disposition string

const (
	Archived           Disposition = "archived"
	ArchivedCompressed Disposition = "archived-compressed"
	Marked             Disposition = "marked"
	Kept               Disposition = "kept"
	Deleted            Disposition = "deleted"
	BackedUp           Disposition = "backed-up"
	Untouched          Disposition = "untouched"
)

// Outcome describes the post-processing of one source file.
type Outcome struct {
	Path        string
	Action      Action
	Disposition Disposition
	// Target is where the file ended up, if it moved.
	Target string
	// Warning explains why a configured action left the file untouched.
	Warning string
	Err     error
}

// Processor applies a Directive to source files.
type Processor struct {
	Directive Directive
	// Now defaults to time.Now. Used for archive timestamps.
	Now func() time.Time
	// TempDir holds compression scratch files; empty means os.TempDir.
	TempDir string
}

// NewProcessor returns a processor for d.
func NewProcessor(d Directive) *Processor {
	return &Processor{Directive: d, Now: time.Now}
}

// Apply runs the directive against path on p. A non-nil error means the
// source disposition failed; the file itself was already delivered, so
// callers log it and carry on.
func (pr *Processor) Apply(ctx context.Context, p provider.Provider, path string) (Outcome, error) {
	d := pr.Directive
	out := Outcome{Path: path, Action: d.Action, Disposition: Untouched}
	logger := zerolog.Ctx(ctx).With().Str("path", path).Str("action", string(d.Action)).Logger()

	var err error
	switch d.Action {
	case Archive, "":
		out.Action = Archive
		err = pr.archive(ctx, p, path, &out)
	case KeepAndMark:
		err = pr.mark(ctx, p, path, &out)
	case KeepAndReprocess:
		out.Disposition = Kept
		logger.Info().Dur("reprocessingDelay", d.ReprocessingDelay).Msg("source kept for reprocessing")
		return out, nil
	case Delete:
		err = pr.delete(ctx, p, path, &out)
	default:
		err = errors.Errorf("unknown post-process action %q", d.Action)
	}

	if err != nil {
		out.Disposition = Untouched
		out.Target = ""
		out.Err = err
		return out, err
	}
	if out.Warning != "" {
		logger.Warn().Msg(out.Warning)
	} else {
		logger.Info().Str("disposition", string(out.Disposition)).Str("target", out.Target).Msg("source post-processed")
	}
	return out, nil
}

func (pr *Processor) now() time.Time {
	if pr.Now != nil {
		return pr.Now()
	}
	return time.Now()
}

func (pr *Processor) archive(ctx context.Context, p provider.Provider, path string, out *Outcome) error {
	d := pr.Directive
	if d.ArchiveDirectory == "" {
		out.Warning = "no archive directory configured, source left in place"
		return nil
	}
	if err := p.MkdirAll(ctx, d.ArchiveDirectory); err != nil {
		return errors.Errorf("creating archive directory %s: %w", d.ArchiveDirectory, err)
	}

	name := provider.Base(p, path)
	if d.ArchiveWithTimestamp {
		name = naming.WithTimestamp(name, pr.now())
	}

	switch d.Compression {
	case CompressGzip, CompressZip:
		ext := ".gz"
		if d.Compression == CompressZip {
			ext = ".zip"
		}
		target := provider.Join(p, d.ArchiveDirectory, name+ext)
		if err := pr.compressTo(ctx, p, path, target); err != nil {
			return err
		}
		out.Disposition = ArchivedCompressed
		out.Target = target
		return nil
	case CompressNone, "":
	default:
		zerolog.Ctx(ctx).Warn().
			Str("compression", string(d.Compression)).
			Msg("unsupported compression type, archiving uncompressed")
	}

	target := provider.Join(p, d.ArchiveDirectory, name)
	if err := p.Rename(ctx, path, target); err != nil {
		return errors.Errorf("archiving %s: %w", path, err)
	}
	out.Disposition = Archived
	out.Target = target
	return nil
}

func (pr *Processor) mark(ctx context.Context, p provider.Provider, path string, out *Outcome) error {
	d := pr.Directive
	suffix := d.ProcessedSuffix
	if suffix == "" {
		suffix = DefaultProcessedSuffix
	}

	target := path + suffix
	if d.ProcessedDirectory != "" {
		if err := p.MkdirAll(ctx, d.ProcessedDirectory); err != nil {
			return errors.Errorf("creating processed directory %s: %w", d.ProcessedDirectory, err)
		}
		target = provider.Join(p, d.ProcessedDirectory, provider.Base(p, path)+suffix)
	}
	if err := p.Rename(ctx, path, target); err != nil {
		return errors.Errorf("marking %s processed: %w", path, err)
	}
	out.Disposition = Marked
	out.Target = target
	return nil
}

func (pr *Processor) delete(ctx context.Context, p provider.Provider, path string, out *Outcome) error {
	d := pr.Directive
	if !d.ConfirmDelete {
		out.Warning = "delete requested without confirmDelete, source left in place"
		return nil
	}

	if d.DeleteBackupDirectory != "" {
		if err := p.MkdirAll(ctx, d.DeleteBackupDirectory); err != nil {
			return errors.Errorf("creating backup directory %s: %w", d.DeleteBackupDirectory, err)
		}
		target := provider.Join(p, d.DeleteBackupDirectory, provider.Base(p, path))
		if err := p.Rename(ctx, path, target); err != nil {
			return errors.Errorf("backing up %s: %w", path, err)
		}
		out.Disposition = BackedUp
		out.Target = target
		return nil
	}

	if err := p.Remove(ctx, path); err != nil {
		return errors.Errorf("deleting %s: %w", path, err)
	}
	out.Disposition = Deleted
	return nil
}

// compressTo downloads src into a scratch file, compresses it into a second
// scratch file, uploads that to target and removes src only once the upload
// is visible with the expected size. Scratch files are always removed.
func (pr *Processor) compressTo(ctx context.Context, p provider.Provider, src, target string) error {
	var scratch []string
	defer func() {
		for _, f := range scratch {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				zerolog.Ctx(ctx).Warn().Err(err).Str("file", f).Msg("removing compression scratch file")
			}
		}
	}()

	raw, err := os.CreateTemp(pr.TempDir, "filehub-src-*")
	if err != nil {
		return errors.Errorf("creating scratch file: %w", err)
	}
	scratch = append(scratch, raw.Name())
	if err := download(ctx, p, src, raw); err != nil {
		return err
	}

	packed, err := os.CreateTemp(pr.TempDir, "filehub-pack-*")
	if err != nil {
		return errors.Errorf("creating scratch file: %w", err)
	}
	scratch = append(scratch, packed.Name())
	if err := pack(pr.Directive.Compression, raw.Name(), provider.Base(p, src), packed); err != nil {
		return err
	}

	info, err := os.Stat(packed.Name())
	if err != nil {
		return errors.Errorf("stat compressed file: %w", err)
	}
	if err := upload(ctx, p, packed.Name(), target); err != nil {
		return err
	}

	remote, err := p.Stat(ctx, target)
	if err != nil {
		return errors.Errorf("verifying archive %s: %w", target, err)
	}
	if remote.Size() != info.Size() {
		return errors.Errorf("archive %s has %d bytes, expected %d", target, remote.Size(), info.Size())
	}

	if err := p.Remove(ctx, src); err != nil {
		return errors.Errorf("removing archived source %s: %w", src, err)
	}
	return nil
}

func download(ctx context.Context, p provider.Provider, src string, dst *os.File) error {
	defer dst.Close()
	r, err := p.OpenRead(ctx, src)
	if err != nil {
		return errors.Errorf("opening %s: %w", src, err)
	}
	defer r.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return errors.Errorf("downloading %s: %w", src, err)
	}
	return dst.Close()
}

func pack(c Compression, rawPath, entryName string, dst *os.File) error {
	defer dst.Close()
	in, err := os.Open(rawPath)
	if err != nil {
		return errors.Errorf("opening scratch file: %w", err)
	}
	defer in.Close()

	switch c {
	case CompressGzip:
		gw := gzip.NewWriter(dst)
		gw.Name = entryName
		if _, err := io.Copy(gw, in); err != nil {
			return errors.Errorf("gzip %s: %w", entryName, err)
		}
		if err := gw.Close(); err != nil {
			return errors.Errorf("gzip %s: %w", entryName, err)
		}
	case CompressZip:
		zw := zip.NewWriter(dst)
		w, err := zw.Create(entryName)
		if err != nil {
			return errors.Errorf("zip %s: %w", entryName, err)
		}
		if _, err := io.Copy(w, in); err != nil {
			return errors.Errorf("zip %s: %w", entryName, err)
		}
		if err := zw.Close(); err != nil {
			return errors.Errorf("zip %s: %w", entryName, err)
		}
	default:
		return errors.Errorf("unsupported compression %q", c)
	}
	return dst.Close()
}

func upload(ctx context.Context, p provider.Provider, localPath, target string) error {
	in, err := os.Open(localPath)
	if err != nil {
		return errors.Errorf("opening compressed file: %w", err)
	}
	defer in.Close()

	w, err := p.OpenWrite(ctx, target)
	if err != nil {
		return errors.Errorf("opening %s: %w", target, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return errors.Errorf("uploading %s: %w", target, err)
	}
	if err := w.Close(); err != nil {
		return errors.Errorf("uploading %s: %w", target, err)
	}
	return nil
}

// Quarantine moves a faulty source file into dir, keeping its name.
func Quarantine(ctx context.Context, p provider.Provider, path, dir string) (string, error) {
	if err := p.MkdirAll(ctx, dir); err != nil {
		return "", errors.Errorf("creating error directory %s: %w", dir, err)
	}
	target := provider.Join(p, dir, provider.Base(p, path))
	if err := p.Rename(ctx, path, target); err != nil {
		return "", errors.Errorf("moving %s to error directory: %w", path, err)
	}
	return target, nil
}
