// Package reconcile advances stale generation tasks in the background so
// tasks nobody is polling still reach a terminal status.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/task"
	"github.com/BaSui01/mediaflow/internal/pool"
)

// Config configures the sweeper.
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Schedule string `yaml:"schedule" json:"schedule" env:"SCHEDULE"`
	// BatchSize caps the tasks advanced per sweep.
	BatchSize int `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
	Workers   int `yaml:"workers" json:"workers" env:"WORKERS"`
	// MinAge skips tasks updated recently; a client is probably polling them.
	MinAge      time.Duration `yaml:"min_age" json:"min_age" env:"MIN_AGE"`
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout" env:"STEP_TIMEOUT"`
	// StuckAfter fails pending tasks that never got a provider job id.
	StuckAfter time.Duration `yaml:"stuck_after" json:"stuck_after" env:"STUCK_AFTER"`
	LockTTL    time.Duration `yaml:"lock_ttl" json:"lock_ttl" env:"LOCK_TTL"`
}

// DefaultConfig sweeps every 30 seconds.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Schedule:    "@every 30s",
		BatchSize:   50,
		Workers:     8,
		MinAge:      20 * time.Second,
		StepTimeout: 30 * time.Second,
		StuckAfter:  10 * time.Minute,
		LockTTL:     25 * time.Second,
	}
}

// Validate checks the schedule expression.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := parser.Parse(c.Schedule); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", c.Schedule, err)
	}
	return nil
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Lister finds non-terminal tasks not updated since before.
type Lister interface {
	ListActive(ctx context.Context, before time.Time, limit int) ([]*task.Task, error)
}

// Stepper runs one reconcile step for a task.
type Stepper interface {
	Step(ctx context.Context, taskID string) (*task.Task, error)
}

// Abandoner fails a task whose submission never completed.
type Abandoner interface {
	OnSubmitFailed(ctx context.Context, id string, cause error) (*task.Task, task.Transition, error)
}

// Locker provides a cross-instance mutex.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Recorder receives sweep metrics.
type Recorder interface {
	RecordSweep(report Report)
}

// ErrSubmissionLost is recorded on tasks abandoned before submission.
var ErrSubmissionLost = errors.New("submission did not complete")

// Report summarizes one sweep.
type Report struct {
	Scanned   int           `json:"scanned"`
	Advanced  int           `json:"advanced"`
	Completed int           `json:"completed"`
	Abandoned int           `json:"abandoned"`
	Errors    int           `json:"errors"`
	Skipped   bool          `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Reconciler periodically steps stale tasks.
type Reconciler struct {
	cfg       Config
	lister    Lister
	stepper   Stepper
	abandoner Abandoner
	locker    Locker
	recorder  Recorder
	workers   *pool.Pool
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running atomic.Bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAbandoner enables failing tasks stuck without a job id.
func WithAbandoner(a Abandoner) Option { return func(r *Reconciler) { r.abandoner = a } }

// WithLocker makes sweeps exclusive across instances.
func WithLocker(l Locker) Option { return func(r *Reconciler) { r.locker = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option { return func(r *Reconciler) { r.recorder = rec } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// New creates a reconciler. Zero config fields take their defaults.
func New(cfg Config, lister Lister, stepper Stepper, opts ...Option) *Reconciler {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	r := &Reconciler{
		cfg:     cfg,
		lister:  lister,
		stepper: stepper,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "reconciler"))
	r.workers = pool.New(pool.Config{MaxWorkers: cfg.Workers, QueueSize: cfg.BatchSize}, r.logger)
	return r
}

// Start schedules sweeps. Sweeps never overlap.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("reconciler already started")
	}
	cl := cronLogger{r.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("reconciler started", zap.String("schedule", r.cfg.Schedule))
	return nil
}

// Stop waits for a running sweep and releases the workers.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.workers.Close()
	return nil
}

// Sweep advances one batch of stale tasks.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer r.running.Store(false)

	start := r.now()
	report := Report{}
	defer func() {
		report.Duration = r.now().Sub(start)
		if r.recorder != nil {
			r.recorder.RecordSweep(report)
		}
	}()

	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, "reconcile", r.cfg.LockTTL)
		if err != nil {
			return report, fmt.Errorf("acquire reconcile lock: %w", err)
		}
		if !ok {
			report.Skipped = true
			return report, nil
		}
		defer release()
	}

	tasks, err := r.lister.ListActive(ctx, start.Add(-r.cfg.MinAge), r.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list active tasks: %w", err)
	}
	report.Scanned = len(tasks)
	if len(tasks) == 0 {
		return report, nil
	}

	var advanced, completed, abandoned, failures atomic.Int32
	jobs := make([]pool.Task, 0, len(tasks))
	for _, t := range tasks {
		jobs = append(jobs, func(ctx context.Context) error {
			if t.ExternalID == "" {
				if r.abandoner == nil || start.Sub(t.CreatedAt) < r.cfg.StuckAfter {
					return nil
				}
				_, tr, err := r.abandoner.OnSubmitFailed(ctx, t.ID, ErrSubmissionLost)
				if err != nil {
					failures.Add(1)
					return err
				}
				if tr.Changed {
					abandoned.Add(1)
				}
				return nil
			}

			ctx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
			defer cancel()
			out, err := r.stepper.Step(ctx, t.ID)
			if err != nil {
				failures.Add(1)
				r.logger.Debug("step failed", zap.String("task_id", t.ID), zap.Error(err))
				return err
			}
			if out != nil && out.Status != t.Status {
				advanced.Add(1)
				if out.IsTerminal() {
					completed.Add(1)
				}
			}
			return nil
		})
	}
	_, _ = r.workers.RunAll(ctx, jobs)

	report.Advanced = int(advanced.Load())
	report.Completed = int(completed.Load())
	report.Abandoned = int(abandoned.Load())
	report.Errors = int(failures.Load())
	r.logger.Info("sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("advanced", report.Advanced),
		zap.Int("completed", report.Completed),
		zap.Int("abandoned", report.Abandoned),
		zap.Int("errors", report.Errors))
	return report, nil
}

// cronLogger routes cron's logging to zap.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
