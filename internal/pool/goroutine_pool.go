// Package pool provides a bounded goroutine pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is a unit of work.
type Task func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers" env:"MAX_WORKERS"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size" env:"QUEUE_SIZE"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DefaultConfig returns a small pool suited to background sweeps.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  8,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// Pool runs tasks on at most MaxWorkers goroutines. Workers are started on
// demand and exit after IdleTimeout without work, keeping one alive.
type Pool struct {
	maxWorkers  int
	queue       chan job
	idleTimeout time.Duration
	logger      *zap.Logger

	workers atomic.Int32
	active  atomic.Int32
	closed  atomic.Bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type job struct {
	task   Task
	ctx    context.Context
	result chan error
}

// New creates a pool. Zero config fields take their defaults.
func New(cfg Config, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		maxWorkers:  cfg.MaxWorkers,
		queue:       make(chan job, cfg.QueueSize),
		idleTimeout: cfg.IdleTimeout,
		logger:      logger.With(zap.String("component", "pool")),
	}
}

// Submit queues task without blocking. It fails with ErrPoolFull when the
// queue is full and no worker can be added.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	j := job{task: task, ctx: ctx}
	select {
	case p.queue <- j:
		p.spawn()
		return nil
	default:
	}
	if p.spawn() {
		select {
		case p.queue <- j:
			return nil
		default:
		}
	}
	p.rejected.Add(1)
	return ErrPoolFull
}

// SubmitWait queues task and waits for its result.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.mu.RLock()
	if p.closed.Load() {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	j := job{task: task, ctx: ctx, result: make(chan error, 1)}
	select {
	case p.queue <- j:
		p.spawn()
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAll runs every task on the pool and waits for them. Tasks the pool
// rejects are counted and not run. It returns the number of tasks that ran
// and the joined task errors.
func (p *Pool) RunAll(ctx context.Context, tasks []Task) (int, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		ran  atomic.Int32
	)
	for _, t := range tasks {
		wg.Add(1)
		err := p.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			if err := t(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return err
			}
			return nil
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	wg.Wait()
	return int(ran.Load()), errors.Join(errs...)
}

func (p *Pool) spawn() bool {
	for {
		n := p.workers.Load()
		if n >= int32(p.maxWorkers) {
			return false
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	defer p.workers.Add(-1)

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.active.Add(1)
			err := p.run(j)
			p.active.Add(-1)

			if j.result != nil {
				j.result <- err
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			idle.Reset(p.idleTimeout)

		case <-idle.C:
			if p.workers.Load() > 1 {
				return
			}
			idle.Reset(p.idleTimeout)
		}
	}
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if j.ctx.Err() != nil {
		return j.ctx.Err()
	}
	return j.task(j.ctx)
}

// Close stops accepting tasks, drains the queue and waits for workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return
	}
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats are pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
