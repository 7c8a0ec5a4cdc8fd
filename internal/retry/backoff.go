package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/types"
)

// Policy 定义重试策略
type Policy struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`     // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"` // 初始延迟
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`         // 最大延迟
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`       // 指数退避倍数
	Jitter       bool          `yaml:"jitter" json:"jitter"`               // ±25% 随机抖动

	// ShouldRetry 判断错误是否可重试，为空时使用 Retryable
	ShouldRetry func(err error) bool `yaml:"-" json:"-"`
	// OnRetry 在每次等待前回调
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy 适用于媒体下载等短 HTTP 调用
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer 按策略重复执行函数
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New 创建重试器，非法字段回退到默认值
func New(policy Policy, logger *zap.Logger) *Retryer {
	def := DefaultPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = def.Multiplier
	}
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = Retryable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do 执行 fn，失败时按策略重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do 执行 fn 并返回其结果，失败时按 r 的策略重试。
// 不可重试的错误立即返回；次数耗尽时包装最后一个错误。
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt)
			r.logger.Debug("重试中",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("重试被取消: %w", ctx.Err())
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !r.policy.ShouldRetry(err) {
			return zero, err
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr))
	return zero, fmt.Errorf("重试 %d 次后仍失败: %w", r.policy.MaxRetries, lastErr)
}

// Delay 计算第 attempt 次重试前的等待：initial * multiplier^(attempt-1)，
// 不超过 MaxDelay，不低于 InitialDelay。
func (r *Retryer) Delay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

// PermanentError 标记不应重试的错误
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 包装 err 使其不再重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retryable 是默认的重试判定：
// 上下文取消与 Permanent 不重试；*types.Error 按其 Retryable 字段；其余重试。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if _, ok := types.AsError(err); ok {
		return types.IsRetryable(err)
	}
	return true
}
