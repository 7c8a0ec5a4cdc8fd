package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/internal/cache"
	"github.com/BaSui01/mediaflow/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingFetcher struct {
	calls  atomic.Int32
	mu     sync.Mutex
	models []Descriptor
	err    error
	gate   chan struct{}
}

func (f *countingFetcher) FetchModels(ctx context.Context) ([]Descriptor, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]Descriptor(nil), f.models...), nil
}

func (f *countingFetcher) set(models []Descriptor, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models, f.err = models, err
}

func models(ids ...string) []Descriptor {
	out := make([]Descriptor, len(ids))
	for i, id := range ids {
		out[i] = Descriptor{ModelID: id, Name: id}
	}
	return out
}

// --- 缓存命中与过期 ---

func TestCatalog_CachesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{models: models("a/one", "b/two")}
	c := New("wavespeed", f, Options{TTL: time.Hour, Clock: clock})

	ctx := context.Background()
	s1, err := c.Snapshot(ctx)
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	s2, err := c.Snapshot(ctx)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, []string{"a/one", "b/two"}, s2.IDs())
}

func TestCatalog_ServesStaleWhileRefreshing(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{models: models("old/model")}
	c := New("wavespeed", f, Options{TTL: time.Hour, Clock: clock})

	ctx := context.Background()
	_, err := c.Snapshot(ctx)
	require.NoError(t, err)

	f.set(models("new/model"), nil)
	f.gate = make(chan struct{})
	clock.Advance(2 * time.Hour)

	// 过期快照立即返回，不阻塞读者
	for i := 0; i < 10; i++ {
		snap, err := c.Snapshot(ctx)
		require.NoError(t, err)
		_, ok := snap.Get("old/model")
		assert.True(t, ok)
	}

	close(f.gate)
	assert.Eventually(t, func() bool {
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return false
		}
		_, ok := snap.Get("new/model")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCatalog_ConcurrentMissSharesOneFetch(t *testing.T) {
	f := &countingFetcher{models: models("x/y"), gate: make(chan struct{})}
	c := New("wavespeed", f, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.Snapshot(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 1, snap.Len())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCatalog_CanceledCallerDoesNotFailWaiters(t *testing.T) {
	f := &countingFetcher{models: models("x/y"), gate: make(chan struct{})}
	c := New("wavespeed", f, Options{RefreshTimeout: 5 * time.Second})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Snapshot(first)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan *Snapshot, 1)
	go func() {
		snap, err := c.Snapshot(context.Background())
		assert.NoError(t, err)
		second <- snap
	}()

	cancel()
	err := <-firstErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	close(f.gate)
	snap := <-second
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCatalog_FetchFailure(t *testing.T) {
	f := &countingFetcher{err: errors.New("boom")}
	c := New("wavespeed", f, Options{})

	_, err := c.Snapshot(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrCatalogUnavailable, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestCatalog_FailedRefreshKeepsStaleSnapshot(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetcher{models: models("keep/me")}
	c := New("wavespeed", f, Options{TTL: time.Minute, Clock: clock, Logger: zap.NewNop()})

	ctx := context.Background()
	_, err := c.Snapshot(ctx)
	require.NoError(t, err)

	f.set(nil, errors.New("upstream down"))
	clock.Advance(time.Hour)

	_, err = c.Refresh(ctx)
	require.Error(t, err)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := snap.Get("keep/me")
	assert.True(t, ok)
}

func TestSnapshot_OrderBySortOrderThenID(t *testing.T) {
	two, one := 2, 1
	s := newSnapshot("p", []Descriptor{
		{ModelID: "z"},
		{ModelID: "b", SortOrder: &two},
		{ModelID: "a", SortOrder: &two},
		{ModelID: "c", SortOrder: &one},
		{ModelID: "c", SortOrder: &two},
	}, time.Now())
	assert.Equal(t, []string{"c", "a", "b", "z"}, s.IDs())
}

// --- Redis 共享快照 ---

func TestCatalog_SharedSnapshotTier(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "t:"}, zap.NewNop())
	require.NoError(t, err)
	defer mgr.Close()

	clock := newFakeClock()
	shared := NewRedisSnapshotCache(mgr)

	first := &countingFetcher{models: models("shared/model")}
	c1 := New("wavespeed", first, Options{Clock: clock, Second: shared})
	_, err = c1.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists("t:catalog:wavespeed"))

	second := &countingFetcher{err: errors.New("should not be called")}
	c2 := New("wavespeed", second, Options{Clock: clock, Second: shared})
	snap, err := c2.Snapshot(context.Background())
	require.NoError(t, err)

	_, ok := snap.Get("shared/model")
	assert.True(t, ok)
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestStaticFetcher(t *testing.T) {
	c := New("kie", StaticFetcher(models("veo3", "gpt4o-image")), Options{})
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())
}
