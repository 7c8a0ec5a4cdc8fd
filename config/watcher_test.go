package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// bumpModTime 保证修改时间前进，避免文件系统时间精度导致漏检
func bumpModTime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}

type eventSink struct {
	mu     sync.Mutex
	events []FileEvent
}

func (s *eventSink) add(evt FileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *eventSink) ops() []FileOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileOp, len(s.events))
	for i, e := range s.events {
		out[i] = e.Op
	}
	return out
}

func fastWatcher(t *testing.T, path string) *FileWatcher {
	t.Helper()
	w, err := NewFileWatcher(path,
		WithPollInterval(5*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
		WithWatcherLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	return w
}

func TestNewFileWatcher_Defaults(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test.yaml")
	writeFile(t, f, "key: val")

	w, err := NewFileWatcher(f)
	require.NoError(t, err)

	assert.False(t, w.IsRunning())
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
	assert.Equal(t, time.Second, w.pollInterval)
	assert.True(t, w.exists)
}

func TestNewFileWatcher_NonExistentPath(t *testing.T) {
	w, err := NewFileWatcher("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.False(t, w.exists)
}

func TestFileWatcher_StartStop(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test.yaml")
	writeFile(t, f, "a: 1")
	w := fastWatcher(t, f)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()), "second start should fail")

	w.Stop()
	assert.False(t, w.IsRunning())
	// 重复 Stop 无副作用
	w.Stop()
}

func TestFileWatcher_DetectsWrite(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test.yaml")
	writeFile(t, f, "a: 1")
	w := fastWatcher(t, f)

	sink := &eventSink{}
	w.OnChange(sink.add)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, f, "a: 2")
	bumpModTime(t, f)

	assert.Eventually(t, func() bool {
		ops := sink.ops()
		return len(ops) == 1 && ops[0] == FileOpWrite
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_DetectsCreateAndRemove(t *testing.T) {
	f := filepath.Join(t.TempDir(), "late.yaml")
	w := fastWatcher(t, f)

	sink := &eventSink{}
	w.OnChange(sink.add)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, f, "a: 1")
	assert.Eventually(t, func() bool {
		ops := sink.ops()
		return len(ops) == 1 && ops[0] == FileOpCreate
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(f))
	assert.Eventually(t, func() bool {
		ops := sink.ops()
		return len(ops) == 2 && ops[1] == FileOpRemove
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_ContextCancelStopsLoop(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test.yaml")
	writeFile(t, f, "a: 1")
	w := fastWatcher(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher loop did not exit after cancel")
	}
	w.Stop()
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}
