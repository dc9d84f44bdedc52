package flow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/engine"
	"github.com/franksops/filehub/metrics"
)

// ErrAlreadyRunning is returned when a flow is submitted while a previous
// run of the same flow has not finished.
var ErrAlreadyRunning = errors.New("flow is already running")

// SchedulerConfig sizes the scheduler pools.
type SchedulerConfig struct {
	// ExecutionWorkers bounds blocking adapter work (listing, reads, writes).
	ExecutionWorkers int
	// FlowWorkers bounds concurrently running flows.
	FlowWorkers int
	// QueueSize bounds each pool queue; a full queue rejects new work.
	QueueSize int
	// SweepInterval is how often idle connections are checked. Zero disables
	// the monitor.
	SweepInterval time.Duration
}

// DefaultSchedulerConfig is used for zero fields of a SchedulerConfig.
var DefaultSchedulerConfig = SchedulerConfig{
	ExecutionWorkers: 8,
	FlowWorkers:      2,
	QueueSize:        64,
	SweepInterval:    time.Minute,
}

// Scheduler owns the execution, flow and monitoring pools and the connection
// manager sweep.
type Scheduler struct {
	cfg        SchedulerConfig
	conns      *connection.Manager
	observer   *metrics.Observer
	execution  *engine.WorkerPool
	flows      *engine.WorkerPool
	monitoring *engine.WorkerPool

	mu      sync.Mutex
	running map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler starts the pools. conns and observer may be nil.
func NewScheduler(ctx context.Context, cfg SchedulerConfig, conns *connection.Manager, observer *metrics.Observer) *Scheduler {
	if cfg.ExecutionWorkers <= 0 {
		cfg.ExecutionWorkers = DefaultSchedulerConfig.ExecutionWorkers
	}
	if cfg.FlowWorkers <= 0 {
		cfg.FlowWorkers = DefaultSchedulerConfig.FlowWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultSchedulerConfig.QueueSize
	}

	// pools outlive ctx so that Stop can drain them in order
	poolCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cfg:      cfg,
		conns:    conns,
		observer: observer,
		running:  make(map[string]bool),
		cancel:   cancel,
		execution: engine.NewWorkerPool(poolCtx, engine.PoolConfig{
			Name:        "execution",
			CoreWorkers: cfg.ExecutionWorkers / 2,
			MaxWorkers:  cfg.ExecutionWorkers,
			QueueSize:   cfg.QueueSize,
		}),
		flows: engine.NewWorkerPool(poolCtx, engine.PoolConfig{
			Name:        "flow",
			CoreWorkers: cfg.FlowWorkers,
			MaxWorkers:  cfg.FlowWorkers,
			QueueSize:   cfg.QueueSize,
		}),
		monitoring: engine.NewWorkerPool(poolCtx, engine.PoolConfig{
			Name:        "monitoring",
			CoreWorkers: 1,
			MaxWorkers:  1,
			QueueSize:   1,
		}),
	}

	if cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.monitor(ctx)
	}
	return s
}

// ExecutionPool is the pool adapters run their blocking work on.
func (s *Scheduler) ExecutionPool() *engine.WorkerPool {
	return s.execution
}

// Submit queues a run of f. It never blocks: ErrQueueFull is returned when
// the flow pool is saturated and ErrAlreadyRunning when f is still running.
// done, if not nil, is called once with the run's report, also when the run
// panics.
func (s *Scheduler) Submit(ctx context.Context, f *Flow, done func(*Report, error)) error {
	s.mu.Lock()
	if s.running[f.Name] {
		s.mu.Unlock()
		return errors.WithDetails(ErrAlreadyRunning, "flow", f.Name)
	}
	s.running[f.Name] = true
	s.mu.Unlock()

	finished := func() {
		s.mu.Lock()
		delete(s.running, f.Name)
		s.mu.Unlock()
	}

	_, err := s.flows.Submit(engine.Job{Name: "flow " + f.Name, Run: func(context.Context) (err error) {
		defer finished()
		started := time.Now()
		var report *Report
		defer func() {
			// done must see every run, including one that panicked
			if r := recover(); r != nil {
				err = errors.Errorf("flow %s panicked: %v", f.Name, r)
				zerolog.Ctx(ctx).Error().Err(err).Str("flow", f.Name).Msg("flow run panicked")
				report = &Report{RunID: uuid.New(), Flow: f.Name, Started: started, Duration: time.Since(started), Err: err}
			}
			if done != nil {
				done(report, err)
			}
		}()
		report, err = f.Run(ctx)
		return err
	}})
	if err != nil {
		finished()
		return err
	}
	return nil
}

// Every submits each flow immediately and then once per interval until ctx
// ends. Rejected submissions are logged and retried on the next tick.
func (s *Scheduler) Every(ctx context.Context, interval time.Duration, flows []*Flow, done func(*Report, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, f := range flows {
			if err := s.Submit(ctx, f, done); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("flow", f.Name).Msg("flow run not scheduled")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of every pool.
func (s *Scheduler) Stats() []engine.PoolStats {
	return []engine.PoolStats{s.execution.Stats(), s.flows.Stats(), s.monitoring.Stats()}
}

func (s *Scheduler) monitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := s.monitoring.Submit(engine.Job{Name: "sweep", Run: func(context.Context) error {
			s.tick(ctx)
			return nil
		}})
		if err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("previous sweep still running")
		}
	}
}

// tick sweeps idle connections and refreshes pool metrics.
func (s *Scheduler) tick(ctx context.Context) {
	if s.conns != nil {
		if n := s.conns.Sweep(ctx); n > 0 {
			zerolog.Ctx(ctx).Debug().Int("evicted", n).Msg("swept idle connections")
		}
		s.observer.ObserveConnections(s.conns.Stats())
	}
	s.observer.ObservePools(s.Stats()...)
}

// Stop ends the monitor, waits for running flows and stops the pools. Queued
// flows that have not started fail with engine.ErrPoolStopped.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.flows.Stop()
	s.execution.Stop()
	s.monitoring.Stop()
}
