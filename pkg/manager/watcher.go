package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/waf_detector/pkg/ruleset"
)

const defaultDebounce = 200 * time.Millisecond

// Watch 监听规则目录，文件变化后(去抖)调用 Sync，直到 ctx 取消
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.ruleDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.ruleDir, err)
	}

	d := newDebouncer(debounce)
	defer d.stop()

	logrus.WithFields(logrus.Fields{
		"dir":         m.ruleDir,
		"debounce_ms": debounce.Milliseconds(),
	}).Info("开始监听规则目录")

	for {
		select {
		case <-ctx.Done():
			logrus.Info("规则目录监听已停止")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !shouldReload(event) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"path": event.Name,
				"op":   event.Op.String(),
			}).Debug("检测到规则文件变化")

			d.trigger(func() {
				if err := m.Sync(); err != nil {
					logrus.WithField("error", err.Error()).Error("规则重新加载失败")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logrus.WithField("error", err.Error()).Error("规则目录监听出错")
		}
	}
}

// shouldReload 过滤掉权限变化、隐藏文件和非规则文件
func shouldReload(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return ruleset.IsRuleFile(event.Name)
}

// debouncer 合并短时间内的多次触发，只在安静期后执行最后一次回调
type debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	stopped  bool
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
