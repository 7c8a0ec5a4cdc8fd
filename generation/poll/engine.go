package poll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/task"
)

// Outcome is how a polling loop ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeTimedOut means the attempt or elapsed-time cap was hit.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeDegraded means too many consecutive polls errored. The task
	// itself is not failed.
	OutcomeDegraded Outcome = "degraded"
	OutcomeCanceled Outcome = "canceled"
)

// Policy is the polling schedule and its caps.
type Policy struct {
	FastInterval           time.Duration `yaml:"fast_interval" json:"fast_interval" env:"FAST_INTERVAL"`
	FastAttempts           int           `yaml:"fast_attempts" json:"fast_attempts" env:"FAST_ATTEMPTS"`
	SlowInterval           time.Duration `yaml:"slow_interval" json:"slow_interval" env:"SLOW_INTERVAL"`
	MaxInterval            time.Duration `yaml:"max_interval" json:"max_interval" env:"MAX_INTERVAL"`
	MaxAttempts            int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	ImageTimeout           time.Duration `yaml:"image_timeout" json:"image_timeout" env:"IMAGE_TIMEOUT"`
	VideoTimeout           time.Duration `yaml:"video_timeout" json:"video_timeout" env:"VIDEO_TIMEOUT"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`
}

// DefaultPolicy polls every 3s for the first five attempts, then every 5s.
func DefaultPolicy() Policy {
	return Policy{
		FastInterval:           3 * time.Second,
		FastAttempts:           5,
		SlowInterval:           5 * time.Second,
		MaxInterval:            10 * time.Second,
		MaxAttempts:            60,
		ImageTimeout:           5 * time.Minute,
		VideoTimeout:           10 * time.Minute,
		MaxConsecutiveFailures: 5,
	}
}

// Interval returns the wait after the given zero-based attempt.
func (p Policy) Interval(attempt int) time.Duration {
	d := p.SlowInterval
	if attempt < p.FastAttempts {
		d = p.FastInterval
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// Timeout returns the elapsed-time cap for a media kind.
func (p Policy) Timeout(kind extract.MediaKind) time.Duration {
	if kind == extract.MediaVideo {
		return p.VideoTimeout
	}
	return p.ImageTimeout
}

// Step performs one reconcile pass and returns the task as stored after it.
type Step func(ctx context.Context, taskID string) (*task.Task, error)

// Attempt is reported to observers after every step.
type Attempt struct {
	Number int
	Task   *task.Task
	Err    error
}

// Result summarizes a finished loop.
type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration
	// Task is the last successfully fetched task, if any.
	Task *task.Task
	// Err is the last step error, set for OutcomeDegraded.
	Err error
}

// Recorder receives loop outcomes for metrics.
type Recorder interface {
	RecordPollOutcome(outcome string, attempts int, elapsed time.Duration)
}

// Engine runs polling loops.
type Engine struct {
	policy   Policy
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock sets the time source used for the elapsed-time cap.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. Zero fields of policy take their defaults.
func NewEngine(policy Policy, opts ...Option) *Engine {
	def := DefaultPolicy()
	if policy.FastInterval <= 0 {
		policy.FastInterval = def.FastInterval
	}
	if policy.FastAttempts < 0 {
		policy.FastAttempts = def.FastAttempts
	}
	if policy.SlowInterval <= 0 {
		policy.SlowInterval = def.SlowInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = def.MaxInterval
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.ImageTimeout <= 0 {
		policy.ImageTimeout = def.ImageTimeout
	}
	if policy.VideoTimeout <= 0 {
		policy.VideoTimeout = def.VideoTimeout
	}
	if policy.MaxConsecutiveFailures <= 0 {
		policy.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	e := &Engine{policy: policy, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "poll_engine"))
	return e
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy { return e.policy }

type runConfig struct {
	kind     extract.MediaKind
	observer func(Attempt)
}

// RunOption configures one Run.
type RunOption func(*runConfig)

// WithMediaKind selects the elapsed-time cap before the task is first seen.
func WithMediaKind(kind extract.MediaKind) RunOption {
	return func(c *runConfig) { c.kind = kind }
}

// WithObserver is called after every attempt.
func WithObserver(fn func(Attempt)) RunOption {
	return func(c *runConfig) { c.observer = fn }
}

// Run calls step until the task is terminal or a cap is reached. Step
// errors are swallowed and retried at the same interval until
// MaxConsecutiveFailures in a row. Canceling ctx stops scheduling and
// leaves stored state as it is.
func (e *Engine) Run(ctx context.Context, taskID string, step Step, opts ...RunOption) Result {
	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := e.now()
	res := Result{}
	finish := func(o Outcome) Result {
		res.Outcome = o
		res.Elapsed = e.now().Sub(start)
		if e.recorder != nil {
			e.recorder.RecordPollOutcome(string(o), res.Attempts, res.Elapsed)
		}
		e.logger.Debug("polling finished",
			zap.String("task_id", taskID),
			zap.String("outcome", string(o)),
			zap.Int("attempts", res.Attempts),
			zap.Duration("elapsed", res.Elapsed))
		return res
	}

	kind := cfg.kind
	scheduled := 0
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return finish(OutcomeCanceled)
		}
		if res.Attempts >= e.policy.MaxAttempts || e.now().Sub(start) >= e.policy.Timeout(kind) {
			return finish(OutcomeTimedOut)
		}

		t, err := step(ctx, taskID)
		res.Attempts++
		if ctx.Err() != nil {
			return finish(OutcomeCanceled)
		}
		if cfg.observer != nil {
			cfg.observer(Attempt{Number: res.Attempts, Task: t, Err: err})
		}

		wait := e.policy.Interval(scheduled)
		if err != nil {
			consecutive++
			res.Err = err
			e.logger.Debug("poll attempt failed",
				zap.String("task_id", taskID),
				zap.Int("consecutive", consecutive),
				zap.Error(err))
			if consecutive >= e.policy.MaxConsecutiveFailures {
				return finish(OutcomeDegraded)
			}
		} else {
			consecutive = 0
			res.Err = nil
			res.Task = t
			if t != nil {
				if t.MediaKind != "" {
					kind = t.MediaKind
				}
				switch t.Status {
				case task.StatusSuccess:
					return finish(OutcomeSucceeded)
				case task.StatusFailed:
					return finish(OutcomeFailed)
				}
			}
			scheduled++
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(OutcomeCanceled)
		case <-timer.C:
		}
	}
}
