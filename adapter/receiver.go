package adapter

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/filehub/engine"
	"github.com/franksops/filehub/provider"
)

// Receiver writes the records of a batch to a destination directory and
// acknowledges the batch with the delivery verdict.
type Receiver struct {
	cfg ReceiverConfig
	env *env
}

var _ Adapter = (*Receiver)(nil)

// NewReceiver returns a receiver for an already parsed configuration.
func NewReceiver(cfg ReceiverConfig, opts ...Option) *Receiver {
	return &Receiver{cfg: cfg, env: newEnv(opts)}
}

// Config returns the receiver configuration.
func (r *Receiver) Config() ReceiverConfig {
	return r.cfg
}

// ctxReader ends a copy once ctx is done. It also hides WriterTo so
// io.CopyBuffer uses the pooled buffer.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Execute delivers every record of batch. Per-file failures are reported in
// the result; an error is returned only when the destination is unusable, in
// which case the batch is acknowledged as failed.
func (r *Receiver) Execute(ctx context.Context, batch *Batch) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("adapter", "receiver").
		Str("location", string(r.cfg.Endpoint.Location)).
		Str("path", r.cfg.TargetDirectory).
		Str("batch", batch.ID.String()).
		Logger()
	ctx = logger.WithContext(ctx)

	agg := NewAggregator(StageReceive, r.env.now())
	fatal := func(err error) (*Result, error) {
		batch.Acknowledge(Ack{Success: false, Reason: err.Error()})
		return nil, err
	}

	p, release, err := r.env.open(ctx, r.cfg.Endpoint)
	if err != nil {
		return fatal(errors.Errorf("opening destination: %w", err))
	}
	defer release()

	if err := r.ensureDirectory(ctx, p); err != nil {
		return fatal(err)
	}

	records := batch.Records()
	var g errgroup.Group
	g.SetLimit(r.cfg.MaximumConcurrency)
	for i, rec := range records {
		g.Go(func() error {
			r.deliver(ctx, p, i, rec, agg)
			return nil
		})
	}
	_ = g.Wait()

	res := agg.Finish(r.env.now())
	ack := Ack{Success: res.Failed == 0}
	if !ack.Success {
		ack.Reason = res.Message
	}
	batch.Acknowledge(ack)

	logger.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Int64("bytes", res.Bytes).
		Msg(res.Message)
	return res, nil
}

func (r *Receiver) ensureDirectory(ctx context.Context, p provider.Provider) error {
	dir := r.cfg.TargetDirectory
	if r.cfg.Endpoint.Location == Remote && r.cfg.Endpoint.Protocol == ProtocolS3 {
		// prefixes exist implicitly
		return nil
	}
	return r.env.blocking(ctx, "stat "+dir, func(ctx context.Context) error {
		info, err := p.Stat(ctx, dir)
		switch {
		case err == nil && info.IsDir():
			return nil
		case err == nil:
			return errors.Errorf("destination %s is not a directory", dir)
		case !provider.IsNotExist(err):
			return errors.Errorf("checking destination %s: %w", dir, err)
		case !r.cfg.CreateDirectory:
			return errors.WithDetails(ErrDestinationMissing, "path", dir)
		}
		if err := p.MkdirAll(ctx, dir); err != nil {
			return errors.Errorf("creating destination %s: %w", dir, err)
		}
		zerolog.Ctx(ctx).Info().Msg("created destination directory")
		return nil
	})
}

// deliver writes one record and records its outcome.
func (r *Receiver) deliver(ctx context.Context, p provider.Provider, index int, rec *FileRecord, agg *Aggregator) {
	started := r.env.now()
	out := FileOutcome{Index: index, ID: rec.ID, Name: rec.Name, Path: rec.Path, Size: rec.Size}
	finish := func(status Status, msg string) {
		out.Status = status
		out.Message = msg
		agg.Record(out)
		r.env.observer.TransferFinished(StageReceive, out, r.env.now().Sub(started))
	}
	logger := zerolog.Ctx(ctx).With().Str("file", rec.Name).Logger()
	r.env.observer.TransferStarted(StageReceive, rec.Name)

	if rec.Size == 0 && r.cfg.EmptyMessages == EmptyMessageSkip {
		logger.Info().Msg("skipping empty message")
		finish(StatusSkipped, "empty message")
		return
	}

	name := r.env.namer.Generate(ctx, rec.Name, r.cfg.FilenameMode, r.cfg.FilenamePattern)
	target := provider.Join(p, r.cfg.TargetDirectory, name)
	out.Target = target

	if r.cfg.Exists != ExistsOverwrite {
		var exists bool
		err := r.env.blocking(ctx, "stat "+target, func(ctx context.Context) error {
			_, err := p.Stat(ctx, target)
			if err == nil {
				exists = true
				return nil
			}
			if provider.IsNotExist(err) {
				return nil
			}
			return err
		})
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("checking target failed")
			finish(StatusUploadError, err.Error())
			return
		case exists && r.cfg.Exists == ExistsSkip:
			logger.Info().Str("target", target).Msg("target exists, skipping")
			finish(StatusSkipped, "target exists")
			return
		case exists:
			logger.Error().Str("target", target).Msg("target exists")
			finish(StatusUploadError, "target "+target+" already exists")
			return
		}
	}

	jobID := rec.ID.String()
	tracker := r.env.tracker
	if err := tracker.InitJob(engine.TransferJob{
		ID:              jobID,
		Flow:            r.env.flow,
		FileName:        name,
		SourcePath:      rec.Path,
		DestinationPath: target,
		Size:            rec.Size,
	}); err != nil {
		logger.Warn().Err(err).Msg("journaling delivery failed")
	}
	if err := tracker.MarkInProgress(jobID); err != nil {
		logger.Warn().Err(err).Msg("journaling delivery failed")
	}
	failed := func(status Status, err error) {
		logger.Error().Err(err).Str("target", target).Str("status", string(status)).Msg("delivery failed")
		if errJ := tracker.MarkFailed(jobID, err.Error()); errJ != nil {
			logger.Warn().Err(errJ).Msg("journaling delivery failed")
		}
		finish(status, err.Error())
	}

	var written uint64
	err := r.env.blocking(ctx, "write "+target, func(ctx context.Context) error {
		var errW error
		written, errW = r.write(ctx, p, rec, target, jobID)
		return errW
	})
	if err != nil {
		failed(StatusUploadError, err)
		return
	}

	if r.cfg.Attributes.HasMode || r.cfg.Attributes.HasOwner {
		if err := provider.ApplyAttributes(ctx, p, target, r.cfg.Attributes); err != nil {
			logger.Warn().Err(err).Str("target", target).Msg("setting file attributes failed")
		}
	}

	if err := r.verify(ctx, p, rec, target, written); err != nil {
		failed(StatusVerificationFailed, err)
		return
	}

	status := StatusWritten
	if r.cfg.Endpoint.Location == Remote {
		status = StatusUploaded
	}
	if err := tracker.MarkCompleted(jobID, rec.Size); err != nil {
		logger.Warn().Err(err).Msg("journaling delivery failed")
	}
	logger.Debug().Str("target", target).Int64("bytes", rec.Size).Str("status", string(status)).Msg("file delivered")
	finish(status, "")
}

// write stores rec at target, through a temporary name when configured. No
// partial file is left at target in temp mode. It returns the checksum of
// the bytes written.
func (r *Receiver) write(ctx context.Context, p provider.Provider, rec *FileRecord, target, jobID string) (uint64, error) {
	path := target
	if r.cfg.TempWrites() {
		path = target + r.cfg.TempSuffix
	}

	w, err := p.OpenWrite(ctx, path)
	if err != nil {
		return 0, errors.Errorf("opening %s: %w", path, err)
	}

	buf := r.env.buffers.Get()
	defer r.env.buffers.Put(buf)

	cw := engine.NewChecksumWriter(r.env.tracker.NewTrackedWriter(w, jobID))
	_, err = io.CopyBuffer(cw, ctxReader{ctx: ctx, r: bytes.NewReader(rec.Content)}, *buf)
	if err != nil {
		if errA := provider.Abort(w, err); errA != nil {
			zerolog.Ctx(ctx).Warn().Err(errA).Str("path", path).Msg("discarding partial write failed")
		}
	} else {
		err = w.Close()
	}
	if err != nil {
		if path != target {
			r.cleanup(ctx, p, path)
		}
		return 0, errors.Errorf("writing %s: %w", path, err)
	}

	if path != target {
		if err := p.Rename(ctx, path, target); err != nil {
			r.cleanup(ctx, p, path)
			return 0, errors.Errorf("renaming %s into place: %w", path, err)
		}
	}
	return cw.Checksum(), nil
}

// cleanup removes a temporary file, also after ctx was cancelled.
func (r *Receiver) cleanup(ctx context.Context, p provider.Provider, path string) {
	ctx = context.WithoutCancel(ctx)
	if err := p.Remove(ctx, path); err != nil && !provider.IsNotExist(err) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("removing temporary file failed")
	}
}

// verify compares the stored size, and optionally the stored content
// checksum, with the record.
func (r *Receiver) verify(ctx context.Context, p provider.Provider, rec *FileRecord, target string, written uint64) error {
	return r.env.blocking(ctx, "verify "+target, func(ctx context.Context) error {
		info, err := p.Stat(ctx, target)
		if err != nil {
			return errors.Errorf("stat %s: %w", target, err)
		}
		if info.Size() != rec.Size {
			return errors.Errorf("size mismatch: wrote %d bytes, destination has %d", rec.Size, info.Size())
		}
		if !r.cfg.VerifyChecksum {
			return nil
		}

		f, err := p.OpenRead(ctx, target)
		if err != nil {
			return errors.Errorf("reopening %s: %w", target, err)
		}
		defer f.Close()
		cr := engine.NewChecksumReader(f)
		if _, err := io.Copy(io.Discard, cr); err != nil {
			return errors.Errorf("reading back %s: %w", target, err)
		}
		if cr.Checksum() != written || (rec.Checksum != 0 && written != rec.Checksum) {
			return errors.Errorf("checksum mismatch: source %016x, written %016x, destination %016x",
				rec.Checksum, written, cr.Checksum())
		}
		return nil
	})
}
