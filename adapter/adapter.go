// Package adapter implements the sender and receiver halves of a file
// transfer flow.
package adapter

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/engine"
	"github.com/franksops/filehub/naming"
	"github.com/franksops/filehub/postprocess"
	"github.com/franksops/filehub/provider"
)

// Stage names used in results, logs and metrics.
const (
	StageSend    = "send"
	StageReceive = "receive"
)

// Adapter is one step of a flow.
type Adapter interface {
	Execute(ctx context.Context, batch *Batch) (*Result, error)
}

// Observer is notified around every file an adapter handles. Each file is
// reported started exactly once and finished exactly once, including files
// that are skipped or rejected.
type Observer interface {
	TransferStarted(stage, file string)
	TransferFinished(stage string, outcome FileOutcome, elapsed time.Duration)
}

// Observers fans events out to several observers.
type Observers []Observer

func (obs Observers) TransferStarted(stage, file string) {
	for _, o := range obs {
		o.TransferStarted(stage, file)
	}
}

func (obs Observers) TransferFinished(stage string, outcome FileOutcome, elapsed time.Duration) {
	for _, o := range obs {
		o.TransferFinished(stage, outcome, elapsed)
	}
}

type nopObserver struct{}

func (nopObserver) TransferStarted(string, string) {}
func (nopObserver) TransferFinished(string, FileOutcome, time.Duration) {}

// Option configures a Sender or Receiver.
type Option func(*env)

// WithConnections sets the connection manager used by remote SFTP endpoints.
func WithConnections(m *connection.Manager) Option {
	return func(e *env) { e.conns = m }
}

// WithObserver registers an observer for per-file events.
func WithObserver(o Observer) Option {
	return func(e *env) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithTracker journals receiver deliveries.
func WithTracker(t *engine.JobTracker) Option {
	return func(e *env) { e.tracker = t }
}

// WithNamer replaces the output filename generator.
func WithNamer(g naming.Generator) Option {
	return func(e *env) { e.namer = g }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *env) { e.now = now }
}

// WithPool runs per-file blocking work on pool. When the pool's queue is
// full the work runs on the calling goroutine instead.
func WithPool(pool *engine.WorkerPool) Option {
	return func(e *env) { e.pool = pool }
}

// WithFlow names the flow in journal records.
func WithFlow(name string) Option {
	return func(e *env) { e.flow = name }
}

// WithProviderFactory overrides how endpoints are opened.
func WithProviderFactory(f ProviderFactory) Option {
	return func(e *env) { e.factory = f }
}

// ProviderFactory opens the provider for an endpoint. The returned release
// function is called once the adapter is done with the provider.
type ProviderFactory func(ctx context.Context, ec EndpointConfig) (provider.Provider, func(), error)

type env struct {
	conns    *connection.Manager
	observer Observer
	tracker  *engine.JobTracker
	namer    naming.Generator
	now      func() time.Time
	pool     *engine.WorkerPool
	flow     string
	factory  ProviderFactory
	buffers  *engine.BufferPool
}

func newEnv(opts []Option) *env {
	e := &env{
		observer: nopObserver{},
		now:      time.Now,
		buffers:  engine.NewBufferPool(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.namer.Now == nil {
		e.namer.Now = e.now
	}
	return e
}

func (e *env) open(ctx context.Context, ec EndpointConfig) (provider.Provider, func(), error) {
	if e.factory != nil {
		return e.factory(ctx, ec)
	}
	if ec.Location == Local {
		return provider.NewLocalProvider(""), func() {}, nil
	}

	switch ec.Protocol {
	case ProtocolS3:
		p, err := provider.NewS3Provider(ctx, ec.Bucket, ec.Prefix)
		if err != nil {
			return nil, nil, errors.Errorf("opening s3 bucket %s: %w", ec.Bucket, err)
		}
		return p, func() {}, nil
	default:
		if e.conns == nil {
			return nil, nil, errors.New("remote endpoint configured without a connection manager")
		}
		conn, err := e.conns.Acquire(ctx, ec.SFTP)
		if err != nil {
			return nil, nil, err
		}
		zerolog.Ctx(ctx).Debug().Str("endpoint", conn.Key()).Uint64("connection", conn.ID()).Msg("acquired connection")
		return provider.NewSFTPProvider(conn.Client()), func() { e.conns.Release(conn) }, nil
	}
}

// blocking runs fn on the worker pool if one is configured.
func (e *env) blocking(ctx context.Context, name string, fn func(context.Context) error) error {
	if e.pool == nil {
		return fn(ctx)
	}
	err := e.pool.Do(ctx, engine.Job{Name: name, Run: func(poolCtx context.Context) error {
		// the caller's context carries the logger and deadline
		return fn(ctx)
	}})
	if errors.Is(err, engine.ErrQueueFull) {
		zerolog.Ctx(ctx).Debug().Str("pool", e.pool.Name()).Str("job", name).Msg("pool saturated, running inline")
		return fn(ctx)
	}
	return err
}

// postProcessAll applies d to every successfully read record. Failures are
// logged and reported in the outcomes, never returned.
func postProcessAll(ctx context.Context, p provider.Provider, proc *postprocess.Processor, recs []*FileRecord) []postprocess.Outcome {
	outcomes := make([]postprocess.Outcome, 0, len(recs))
	for _, rec := range recs {
		if !rec.Status.Succeeded() {
			continue
		}
		out, err := proc.Apply(ctx, p, rec.Path)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("file", rec.Name).Msg("post-processing failed, file was delivered")
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}
