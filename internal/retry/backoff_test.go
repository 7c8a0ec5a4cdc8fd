package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/types"
)

func testPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SucceedsFirstTry(t *testing.T) {
	r := New(testPolicy(), zap.NewNop())
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesThenSucceeds(t *testing.T) {
	var retried []int
	p := testPolicy()
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }
	r := New(p, nil)

	calls := 0
	got, err := Do(context.Background(), r, func(context.Context) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return []byte("png"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryer_Exhausted(t *testing.T) {
	r := New(testPolicy(), nil)
	boom := errors.New("502")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRetryer_StopsOnNonRetryable(t *testing.T) {
	r := New(testPolicy(), nil)

	cases := map[string]error{
		"permanent": Permanent(errors.New("404")),
		"types":     types.NewError(types.ErrInvalidRequest, "bad url"),
		"canceled":  context.Canceled,
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			calls := 0
			err := r.Do(context.Background(), func(context.Context) error {
				calls++
				return cause
			})
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, 1, calls)
		})
	}

	calls := 0
	_ = r.Do(context.Background(), func(context.Context) error {
		calls++
		return types.NewError(types.ErrUnavailable, "busy")
	})
	assert.Equal(t, 4, calls)
}

func TestRetryer_ContextCanceledWhileWaiting(t *testing.T) {
	p := testPolicy()
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour
	r := New(p, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Do(ctx, func(context.Context) error { return errors.New("timeout") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryer_Delay(t *testing.T) {
	r := New(Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, nil)
	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
	assert.Equal(t, time.Second, r.Delay(10))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(errors.New("eof")))
	assert.False(t, Retryable(Permanent(errors.New("gone"))))
	assert.Nil(t, Permanent(nil))
}
