package adapter

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/filehub/engine"
	"github.com/franksops/filehub/postprocess"
	"github.com/franksops/filehub/provider"
	"github.com/franksops/filehub/validation"
)

// Sender discovers files in a source directory, validates them and reads
// them into a batch. Source files are post-processed only once the batch has
// been acknowledged as delivered.
type Sender struct {
	cfg  SenderConfig
	env  *env
	proc *postprocess.Processor
}

var _ Adapter = (*Sender)(nil)

// NewSender returns a sender for an already parsed configuration.
func NewSender(cfg SenderConfig, opts ...Option) *Sender {
	e := newEnv(opts)
	proc := postprocess.NewProcessor(cfg.PostProcess)
	proc.Now = e.now
	return &Sender{cfg: cfg, env: e, proc: proc}
}

// Config returns the sender configuration.
func (s *Sender) Config() SenderConfig {
	return s.cfg
}

// candidate is a discovered file on its way through the sender.
type candidate struct {
	index int
	entry engine.Entry
}

// Execute fills batch with the files read from the source directory. It
// returns an error only when the source cannot be reached or listed.
func (s *Sender) Execute(ctx context.Context, batch *Batch) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("adapter", "sender").
		Str("location", string(s.cfg.Endpoint.Location)).
		Str("path", s.cfg.SourceDirectory).
		Logger()
	ctx = logger.WithContext(ctx)

	agg := NewAggregator(StageSend, s.env.now())

	p, release, err := s.env.open(ctx, s.cfg.Endpoint)
	if err != nil {
		return nil, errors.Errorf("opening source: %w", err)
	}
	defer release()

	walker, err := engine.NewWalker(p, s.cfg.FilePattern, s.cfg.ExclusionMask)
	if err != nil {
		return nil, errors.Errorf("building file filter: %w", err)
	}

	var entries []engine.Entry
	err = s.env.blocking(ctx, "list "+s.cfg.SourceDirectory, func(ctx context.Context) error {
		var errE error
		entries, errE = walker.Discover(ctx, s.cfg.SourceDirectory)
		return errE
	})
	if err != nil {
		return nil, errors.Errorf("listing source directory: %w", err)
	}
	logger.Debug().Int("files", len(entries)).Msg("discovered files")

	cands := make([]candidate, len(entries))
	for i, entry := range entries {
		cands[i] = candidate{index: i, entry: entry}
	}

	if s.cfg.StabilityWait > 0 && s.cfg.Endpoint.Location == Local && len(cands) > 0 {
		cands, err = s.stable(ctx, p, cands, agg)
		if err != nil {
			return nil, err
		}
	}

	var (
		toRead []candidate
		faulty []string
	)
	validator := &validation.Validator{
		Rules: s.cfg.Rules,
		Now:   s.env.now,
		Open:  p.OpenRead,
	}
	for _, c := range cands {
		if keep, bad := s.admit(ctx, validator, c, agg); keep {
			toRead = append(toRead, c)
		} else if bad {
			faulty = append(faulty, c.entry.Path)
		}
	}

	records := make([]*FileRecord, len(entries))
	failed := make([]bool, len(entries))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaximumConcurrency)
	for _, c := range toRead {
		g.Go(func() error {
			rec, ok := s.read(ctx, p, c, agg)
			records[c.index] = rec
			failed[c.index] = !ok
			return nil
		})
	}
	_ = g.Wait()

	var read []*FileRecord
	for i, rec := range records {
		if failed[i] {
			faulty = append(faulty, entries[i].Path)
			continue
		}
		if rec != nil {
			read = append(read, rec)
		}
	}

	if s.cfg.ArchiveFaultySourceFiles {
		s.quarantine(ctx, p, faulty)
	}

	batch.setSender(s.cfg)
	batch.Add(read...)

	res := agg.Finish(s.env.now())
	if batch.Standalone() {
		res.Dispositions = postProcessAll(ctx, p, s.proc, read)
	}
	logger.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int64("bytes", res.Bytes).
		Msg(res.Message)
	return res, nil
}

// stable waits once and drops candidates whose size or modification time
// changed in the meantime.
func (s *Sender) stable(ctx context.Context, p provider.Provider, cands []candidate, agg *Aggregator) ([]candidate, error) {
	timer := time.NewTimer(s.cfg.StabilityWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case <-timer.C:
	}

	var out []candidate
	for _, c := range cands {
		var info provider.FileInfo
		err := s.env.blocking(ctx, "stat "+c.entry.Path, func(ctx context.Context) error {
			var errE error
			info, errE = p.Stat(ctx, c.entry.Path)
			return errE
		})
		before := c.entry.Info
		switch {
		case err != nil:
			s.skip(ctx, agg, c, "file disappeared during stability check")
		case info.Size() != before.Size() || !info.ModTime().Equal(before.ModTime()):
			s.skip(ctx, agg, c, "file is still being written")
		default:
			c.entry.Info = info
			out = append(out, c)
		}
	}
	return out, nil
}

// admit validates c and applies the empty and read-only policies. It reports
// whether c should be read, and whether it was rejected as faulty.
func (s *Sender) admit(ctx context.Context, v *validation.Validator, c candidate, agg *Aggregator) (keep, faulty bool) {
	info := c.entry.Info
	cand := validation.Candidate{Name: info.Name(), Path: c.entry.Path, Info: info}
	if s.cfg.Endpoint.Location == Local {
		cand.LocalPath = c.entry.Path
	}

	var vr *validation.Result
	err := s.env.blocking(ctx, "validate "+c.entry.Path, func(ctx context.Context) error {
		vr = v.Validate(ctx, cand)
		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("file", info.Name()).Msg("validation did not run")
		s.reject(agg, c, FileOutcome{Status: StatusValidationFailed, Message: err.Error()})
		return false, false
	}
	if !vr.Valid {
		msg := string(vr.Category)
		if len(vr.Messages) > 0 {
			msg += ": " + vr.Messages[0]
		}
		s.reject(agg, c, FileOutcome{Status: StatusValidationFailed, Message: msg})
		return false, true
	}

	if info.Size() == 0 {
		switch s.cfg.EmptyFiles {
		case EmptyProcess:
		case EmptySkip:
			zerolog.Ctx(ctx).Info().Str("file", info.Name()).Msg("skipping empty file")
			s.reject(agg, c, FileOutcome{Status: StatusSkipped, Message: "empty file"})
			return false, false
		default:
			s.reject(agg, c, FileOutcome{Status: StatusSkipped, Message: "empty file"})
			return false, false
		}
	}

	if !s.cfg.ProcessReadOnlyFiles && provider.IsReadOnly(info) {
		s.skip(ctx, agg, c, "file is read-only")
		return false, false
	}
	return true, false
}

// read loads the content of c into a record. ok is false when the read failed.
func (s *Sender) read(ctx context.Context, p provider.Provider, c candidate, agg *Aggregator) (*FileRecord, bool) {
	name := c.entry.Info.Name()
	started := s.env.now()

	var (
		content []byte
		sum     uint64
	)
	s.env.observer.TransferStarted(StageSend, name)
	err := s.env.blocking(ctx, "read "+c.entry.Path, func(ctx context.Context) error {
		r, err := p.OpenRead(ctx, c.entry.Path)
		if err != nil {
			return errors.Errorf("opening %s: %w", c.entry.Path, err)
		}
		defer r.Close()
		cr := engine.NewChecksumReader(r)
		content, err = io.ReadAll(cr)
		if err != nil {
			return errors.Errorf("reading %s: %w", c.entry.Path, err)
		}
		sum = cr.Checksum()
		return nil
	})
	elapsed := s.env.now().Sub(started)

	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("file", name).Msg("read failed")
		s.finish(agg, c, FileOutcome{Status: StatusReadFailed, Message: err.Error()}, elapsed)
		return nil, false
	}

	status := StatusReadSuccess
	if s.cfg.Endpoint.Location == Remote {
		status = StatusDownloaded
	}
	rec := &FileRecord{
		ID:       uuid.New(),
		Name:     name,
		Path:     c.entry.Path,
		Size:     int64(len(content)),
		Content:  content,
		ReadAt:   s.env.now(),
		Checksum: sum,
		Status:   status,
	}
	zerolog.Ctx(ctx).Debug().Str("file", name).Int64("bytes", rec.Size).Str("status", string(status)).Msg("file read")
	s.finish(agg, c, FileOutcome{ID: rec.ID, Size: rec.Size, Status: status}, elapsed)
	return rec, true
}

func (s *Sender) quarantine(ctx context.Context, p provider.Provider, paths []string) {
	logger := zerolog.Ctx(ctx)
	for _, path := range paths {
		target, err := postprocess.Quarantine(ctx, p, path, s.cfg.ArchiveErrorDirectory)
		if err != nil {
			logger.Error().Err(err).Str("file", path).Msg("archiving faulty source file failed")
			continue
		}
		logger.Warn().Str("file", path).Str("target", target).Msg("faulty source file moved to error directory")
	}
}

func (s *Sender) skip(ctx context.Context, agg *Aggregator, c candidate, reason string) {
	zerolog.Ctx(ctx).Info().Str("file", c.entry.Info.Name()).Str("reason", reason).Msg("skipping file")
	s.reject(agg, c, FileOutcome{Status: StatusSkipped, Message: reason})
}

// reject records the outcome of a file that is not read. Observers see it
// start and finish at once.
func (s *Sender) reject(agg *Aggregator, c candidate, o FileOutcome) {
	s.env.observer.TransferStarted(StageSend, c.entry.Info.Name())
	s.finish(agg, c, o, 0)
}

func (s *Sender) finish(agg *Aggregator, c candidate, o FileOutcome, elapsed time.Duration) {
	o.Index = c.index
	o.Name = c.entry.Info.Name()
	o.Path = c.entry.Path
	if o.Size == 0 {
		o.Size = c.entry.Info.Size()
	}
	agg.Record(o)
	s.env.observer.TransferFinished(StageSend, o, elapsed)
}

// Finalize waits for the receiver's acknowledgement and post-processes the
// source files of batch when delivery succeeded. Standalone batches were
// already post-processed by Execute. Post-processing problems are logged and
// reported in the outcomes only.
func (s *Sender) Finalize(ctx context.Context, batch *Batch) []postprocess.Outcome {
	logger := zerolog.Ctx(ctx).With().Str("adapter", "sender").Str("batch", batch.ID.String()).Logger()
	ctx = logger.WithContext(ctx)

	if batch.Standalone() {
		return nil
	}
	ack, err := batch.Wait(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("no acknowledgement from receiver, source files retained")
		return nil
	}
	if !ack.Success {
		logger.Warn().Str("reason", ack.Reason).Msg("delivery failed, source files retained")
		return nil
	}

	recs := batch.Records()
	if len(recs) == 0 {
		return nil
	}

	p, release, err := s.env.open(ctx, s.cfg.Endpoint)
	if err != nil {
		logger.Error().Err(err).Msg("reopening source for post-processing failed, source files retained")
		return nil
	}
	defer release()

	if d := s.cfg.PostProcess; d.Action == postprocess.KeepAndReprocess && d.ReprocessingDelay > 0 {
		logger.Info().Dur("delay", d.ReprocessingDelay).Msg("sources kept for reprocessing")
	}
	return postProcessAll(ctx, p, s.proc, recs)
}
