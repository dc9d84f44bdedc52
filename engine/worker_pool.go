package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

var (
	// ErrQueueFull is returned by Submit when the pool's queue has no room.
	// Callers should back off and retry later.
	ErrQueueFull = errors.New("worker pool queue is full")

	// ErrPoolStopped is returned for jobs submitted to, or still queued in,
	// a stopped pool.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// PoolConfig sizes a WorkerPool.
type PoolConfig struct {
	Name        string
	CoreWorkers int
	MaxWorkers  int
	QueueSize   int
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Name    string
	Workers int
	Queued  int
	Active  int
}

type queuedJob struct {
	job  Job
	done chan error
}

// WorkerPool runs Jobs on a dynamic set of workers fed by a bounded queue.
// It starts with CoreWorkers and grows towards MaxWorkers while the queue is
// more than half full.
type WorkerPool struct {
	cfg   PoolConfig
	queue chan queuedJob

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	stopped     bool
	wg          sync.WaitGroup

	active atomic.Int64
}

// NewWorkerPool creates a pool and starts its core workers.
func NewWorkerPool(ctx context.Context, cfg PoolConfig) *WorkerPool {
	if cfg.CoreWorkers < 1 {
		cfg.CoreWorkers = 1
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		cfg:     cfg,
		queue:   make(chan queuedJob, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
	}
	p.SetWorkerCount(cfg.CoreWorkers)
	return p
}

// Name returns the configured pool name.
func (p *WorkerPool) Name() string {
	return p.cfg.Name
}

// Submit enqueues job without blocking. The returned channel receives the
// job's error (nil on success) exactly once.
func (p *WorkerPool) Submit(job Job) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, errors.WithStack(ErrPoolStopped)
	}

	qj := queuedJob{job: job, done: make(chan error, 1)}
	select {
	case p.queue <- qj:
	default:
		return nil, errors.WithDetails(ErrQueueFull, "pool", p.cfg.Name, "job", job.Name)
	}

	if len(p.queue) > cap(p.queue)/2 && p.workerCount < p.cfg.MaxWorkers {
		p.addWorker()
		zerolog.Ctx(p.ctx).Debug().
			Str("pool", p.cfg.Name).
			Int("workers", p.workerCount).
			Msg("scaled up worker pool")
	}
	return qj.done, nil
}

// Do submits job and waits for it to finish. A job still queued when ctx
// ends is skipped with ctx's error; a job that already started is waited
// for, so whatever it uses stays owned by the caller until it returns.
func (p *WorkerPool) Do(ctx context.Context, job Job) error {
	run := job.Run
	job.Run = func(poolCtx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return run(poolCtx)
	}
	done, err := p.Submit(job)
	if err != nil {
		return err
	}
	return <-done
}

// SetWorkerCount scales the number of workers up or down gracefully.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	for p.workerCount < count {
		p.addWorker()
	}
	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

// Stats reports the current worker, queue and active job counts.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	workers := p.workerCount
	p.mu.Unlock()
	return PoolStats{
		Name:    p.cfg.Name,
		Workers: workers,
		Queued:  len(p.queue),
		Active:  int(p.active.Load()),
	}
}

func (p *WorkerPool) addWorker() {
	quit := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quit
	p.workerCount++
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		for {
			// quit and cancellation win over pending work
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case qj := <-p.queue:
				p.run(qj)
			}
		}
	}()
}

func (p *WorkerPool) run(qj queuedJob) {
	p.active.Add(1)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("job %s panicked: %v", qj.job.Name, r)
			}
		}()
		err = qj.job.Run(p.ctx)
	}()

	p.active.Add(-1)
	qj.done <- err
}

func (p *WorkerPool) removeWorker() {
	for id, quit := range p.workers {
		// the worker exits after its current job
		close(quit)
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Stop cancels running jobs, waits for workers to exit and fails every job
// still queued with ErrPoolStopped.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for {
		select {
		case qj := <-p.queue:
			qj.done <- errors.WithStack(ErrPoolStopped)
		default:
			return
		}
	}
}
