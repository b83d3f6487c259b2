package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Job is one unit of queued work.
type Job struct {
	Name   string
	HostID string
	Run    func(ctx context.Context) error
}

// WorkerPool runs jobs on a fixed set of goroutines fed by a bounded queue.
// Submit never blocks: a full queue rejects the job.
type WorkerPool struct {
	deps    *Deps
	workers int
	jobs    chan Job
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	running atomic.Int64
}

// NewWorkerPool creates a pool. Non-positive sizes select defaults.
func NewWorkerPool(deps *Deps, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		deps:    deps,
		workers: workers,
		jobs:    make(chan Job, queueSize),
		logger:  deps.logger("pool"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for w := 0; w < p.workers; w++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for job := range p.jobs {
				p.deps.Metrics.SetQueueDepth(len(p.jobs))
				p.run(workerID, job)
			}
		}(w)
	}
	p.logger.Info().Int("workers", p.workers).Int("queue", cap(p.jobs)).Msg("worker pool started")
}

// Submit enqueues job or fails with a QUEUE_FULL validation fault.
func (p *WorkerPool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return NewValidationFault("worker pool is stopped", nil).WithCode(ErrCodeQueueFull)
	}
	select {
	case p.jobs <- job:
		p.deps.Metrics.SetQueueDepth(len(p.jobs))
		p.logger.Debug().Str("job", job.Name).Str("host_id", job.HostID).Msg("job queued")
		return nil
	default:
		return NewValidationFault(fmt.Sprintf("job queue is full (%d)", cap(p.jobs)), nil).
			WithCode(ErrCodeQueueFull).WithHost(job.HostID)
	}
}

func (p *WorkerPool) run(workerID int, job Job) {
	p.running.Add(1)
	defer p.running.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker", workerID).
				Str("job", job.Name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
		}
	}()

	p.logger.Debug().Int("worker", workerID).Str("job", job.Name).Msg("job running")
	if err := job.Run(p.ctx); err != nil {
		p.logger.Warn().Int("worker", workerID).Str("job", job.Name).Err(err).Msg("job returned error")
	}
}

// Queued returns the number of jobs waiting for a worker.
func (p *WorkerPool) Queued() int { return len(p.jobs) }

// Running returns the number of jobs currently executing.
func (p *WorkerPool) Running() int { return int(p.running.Load()) }

// Stop refuses new jobs and waits for queued and running jobs to finish.
// When ctx ends first, the job context is cancelled and Stop waits for the
// workers to unwind.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		// Nobody will drain the queue; run what is left so guards get released.
		p.cancel()
		for job := range p.jobs {
			p.run(-1, job)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn().Msg("worker pool stopped after cancelling jobs")
		return ctx.Err()
	}
}
