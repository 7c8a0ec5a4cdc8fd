// 配置文件变更监听器实现。
//
// 以轮询修改时间的方式检测变更，事件经防抖后触发回调。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileWatcher 监听配置文件变更
type FileWatcher struct {
	mu sync.RWMutex

	path          string
	pollInterval  time.Duration
	debounceDelay time.Duration

	running  bool
	stopChan chan struct{}
	done     chan struct{}

	callbacks []func(event FileEvent)
	logger    *zap.Logger

	lastModTime time.Time
	exists      bool
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 文件被创建
	FileOpCreate FileOp = iota
	// FileOpWrite 文件被修改
	FileOpWrite
	// FileOpRemove 文件被删除
	FileOpRemove
)

// String 返回操作名称
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 文件监听器选项 ---

// WatcherOption 配置 FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置防抖延迟
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.pollInterval = d
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher 创建文件监听器。文件不存在时只告警，创建后会收到 CREATE 事件
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		path:          path,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		w.exists = true
		w.lastModTime = info.ModTime()
	case os.IsNotExist(err):
		w.logger.Warn("config file does not exist, will watch for creation", zap.String("path", path))
	default:
		return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
	}
	return w, nil
}

// OnChange 注册变更回调
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 开始监听，ctx 取消或 Stop 时结束
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)

	w.logger.Info("file watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop 停止监听并等待循环退出
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("file watcher stopped")
}

// IsRunning 是否在运行
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *FileWatcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var (
		pending  *FileEvent
		debounce <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if evt, ok := w.check(); ok {
				// 同一窗口内只保留最后一个事件
				pending = &evt
				debounce = time.After(w.debounceDelay)
			}
		case <-debounce:
			debounce = nil
			if pending != nil {
				w.dispatch(*pending)
				pending = nil
			}
		}
	}
}

// check 比较修改时间，返回是否产生事件
func (w *FileWatcher) check() (FileEvent, bool) {
	now := time.Now()
	info, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) && w.exists {
			w.exists = false
			return FileEvent{Path: w.path, Op: FileOpRemove, Timestamp: now}, true
		}
		return FileEvent{}, false
	}

	if !w.exists {
		w.exists = true
		w.lastModTime = info.ModTime()
		return FileEvent{Path: w.path, Op: FileOpCreate, Timestamp: now}, true
	}
	if info.ModTime().After(w.lastModTime) {
		w.lastModTime = info.ModTime()
		return FileEvent{Path: w.path, Op: FileOpWrite, Timestamp: now}, true
	}
	return FileEvent{}, false
}

func (w *FileWatcher) dispatch(evt FileEvent) {
	w.mu.RLock()
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	w.logger.Debug("dispatching file event",
		zap.String("path", evt.Path),
		zap.String("op", evt.Op.String()))
	for _, cb := range callbacks {
		cb(evt)
	}
}
