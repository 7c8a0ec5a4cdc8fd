// 配置热重载。
//
// 只有价格表、日志级别、审核开关可在运行时生效，其余字段的变化
// 会被记录并提示需要重启。
package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ReloadCallback 在新配置生效后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// hotReloadable 可在运行时生效的顶层字段
var hotReloadable = map[string]bool{
	"Log.Level":          true,
	"Pricing":            true,
	"Moderation.Enabled": true,
}

// IsHotReloadable 报告字段路径能否在运行时生效
func IsHotReloadable(path string) bool {
	return hotReloadable[path]
}

// Reloader 监听配置文件并重新加载配置
type Reloader struct {
	loader  *Loader
	current atomic.Pointer[Config]
	watcher *FileWatcher
	logger  *zap.Logger

	mu        sync.Mutex
	callbacks []ReloadCallback
}

// NewReloader 创建重载器，initial 为当前生效的配置
func NewReloader(loader *Loader, initial *Config, logger *zap.Logger, opts ...WatcherOption) (*Reloader, error) {
	if loader.configPath == "" {
		return nil, fmt.Errorf("hot reload requires a config file")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "config_reload"))

	watcher, err := NewFileWatcher(loader.configPath, append([]WatcherOption{WithWatcherLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	r := &Reloader{loader: loader, watcher: watcher, logger: logger}
	r.current.Store(initial)
	watcher.OnChange(func(evt FileEvent) {
		if evt.Op == FileOpRemove {
			r.logger.Warn("config file removed, keeping current config", zap.String("path", evt.Path))
			return
		}
		if err := r.Reload(); err != nil {
			r.logger.Error("config reload failed, keeping current config", zap.Error(err))
		}
	})
	return r, nil
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// Start 开始监听配置文件
func (r *Reloader) Start(ctx context.Context) error {
	return r.watcher.Start(ctx)
}

// Stop 停止监听
func (r *Reloader) Stop() {
	r.watcher.Stop()
}

// Reload 重新加载并校验配置。校验失败时保留旧配置
func (r *Reloader) Reload() error {
	next, err := r.loader.Load()
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	changes := Diff(prev, next)
	if len(changes) == 0 {
		return nil
	}
	for _, path := range changes {
		if IsHotReloadable(path) {
			r.logger.Info("config field reloaded", zap.String("field", path))
		} else {
			r.logger.Warn("config field changed, restart required", zap.String("field", path))
		}
	}

	r.current.Store(next)
	for _, cb := range r.callbacks {
		r.safeCallback(cb, prev, next)
	}
	return nil
}

func (r *Reloader) safeCallback(cb ReloadCallback, prev, next *Config) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("config reload callback panicked", zap.Any("panic", rec))
		}
	}()
	cb(prev, next)
}

// Diff 返回两份配置间发生变化的字段路径（至多展开两层）
func Diff(oldConfig, newConfig *Config) []string {
	var changes []string
	ov, nv := reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem()
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		of, nf := ov.Field(i), nv.Field(i)
		if reflect.DeepEqual(of.Interface(), nf.Interface()) {
			continue
		}
		// 价格表整体替换
		if of.Kind() != reflect.Struct || name == "Pricing" {
			changes = append(changes, name)
			continue
		}
		st := of.Type()
		for j := 0; j < st.NumField(); j++ {
			if !st.Field(j).IsExported() {
				continue
			}
			if !reflect.DeepEqual(of.Field(j).Interface(), nf.Field(j).Interface()) {
				changes = append(changes, name+"."+st.Field(j).Name)
			}
		}
	}
	return changes
}
