package localcache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// debouncedWriter 去抖写入器
// 窗口内的多次变更合并为一次落盘，减少磁盘写入
type debouncedWriter struct {
	mu      sync.Mutex
	cache   *Cache
	window  time.Duration
	timer   *time.Timer
	stopped bool
}

func newDebouncedWriter(cache *Cache, window time.Duration) *debouncedWriter {
	return &debouncedWriter{
		cache:  cache,
		window: window,
	}
}

// schedule 在窗口到期后触发一次落盘
// 窗口内重复调用不会重置计时，保证持续写入下仍按窗口节奏落盘
func (w *debouncedWriter) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.window, w.fire)
}

func (w *debouncedWriter) fire() {
	w.mu.Lock()
	w.timer = nil
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	if err := w.cache.Flush(); err != nil {
		w.cache.logger.Error("缓存落盘失败", zap.Error(err))
	}
}

// stop 停止写入器，之后的 schedule 调用不再生效
func (w *debouncedWriter) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
