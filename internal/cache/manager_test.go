package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "test:",
		DefaultTTL: time.Minute,
	}

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager_Unreachable(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))

	value, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	// 键前缀生效
	assert.True(t, mr.Exists("test:k"))
}

func TestManager_GetMiss(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.Get(context.Background(), "missing")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_DefaultTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(2 * time.Minute)
	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSONRoundTrip(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type snapshot struct {
		Models []string `json:"models"`
	}
	require.NoError(t, manager.SetJSON(ctx, "catalog:wavespeed", snapshot{Models: []string{"a", "b"}}, time.Minute))

	var got snapshot
	require.NoError(t, manager.GetJSON(ctx, "catalog:wavespeed", &got))
	assert.Equal(t, []string{"a", "b"}, got.Models)
}

func TestManager_GetJSONInvalid(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "bad", "{not json", time.Minute))
	var dest map[string]any
	assert.Error(t, manager.GetJSON(ctx, "bad", &dest))
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, manager.Delete(ctx, "a"))
	require.NoError(t, manager.Delete(ctx))

	_, err := manager.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_TryLock(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	release, ok, err := manager.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:lock:reconcile"))

	_, ok, err = manager.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists("test:lock:reconcile"))

	_, ok, err = manager.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_ClosedOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	ctx := context.Background()
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", time.Minute), ErrClosed)
	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k" + string(rune('a'+i))
			assert.NoError(t, manager.Set(ctx, key, "v", time.Minute))
			_, err := manager.Get(ctx, key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}
