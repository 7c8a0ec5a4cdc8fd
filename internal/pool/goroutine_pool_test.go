package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SubmitWait(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 4}, nil)
	defer p.Close()

	boom := errors.New("boom")
	require.NoError(t, p.SubmitWait(context.Background(), func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(context.Context) error { return boom }), boom)

	err := p.SubmitWait(context.Background(), func(context.Context) error { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	s := p.Stats()
	assert.Equal(t, int64(3), s.Submitted)
	assert.Equal(t, int64(1), s.Completed)
	assert.Equal(t, int64(2), s.Failed)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(Config{MaxWorkers: 3, QueueSize: 64}, nil)
	defer p.Close()

	var running, peak atomic.Int32
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		}
	}
	ran, err := p.RunAll(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 20, ran)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPool_RunAllReportsRejections(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1}, nil)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	// 唯一的 worker 被占用，再占满队列
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))

	ran, err := p.RunAll(context.Background(), []Task{func(context.Context) error { return nil }})
	close(release)
	assert.Zero(t, ran)
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestPool_Closed(t *testing.T) {
	p := New(Config{}, nil)
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestPool_CanceledContextSkipsTask(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1}, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var called atomic.Bool

	require.NoError(t, p.Submit(ctx, func(context.Context) error {
		called.Store(true)
		return nil
	}))
	// 单 worker 按序执行，后一个任务完成时前一个已被跳过
	require.NoError(t, p.SubmitWait(context.Background(), func(context.Context) error { return nil }))
	assert.False(t, called.Load())
}
