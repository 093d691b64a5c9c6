// Package log 提供引擎内部使用的进程级日志回调
//
// 同一时刻只能注册一个回调。SetCallback 不是并发安全的，
// 应当在开始并发使用引擎之前完成设置。
package log

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelOff:
		return "off"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel 解析日志级别，大小写不敏感
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "off":
		return LevelOff, nil
	}
	return LevelOff, fmt.Errorf("unknown log level %q", s)
}

// Callback 接收引擎日志: 级别、来源函数、来源文件、行号、消息
type Callback func(level Level, function, file string, line uint, message string)

var (
	callback Callback
	minLevel = LevelOff
)

// SetCallback 注册或清除(cb 为 nil)日志回调
func SetCallback(cb Callback, min Level) bool {
	if min < LevelTrace || min > LevelOff {
		return false
	}
	callback = cb
	minLevel = min
	if cb == nil {
		minLevel = LevelOff
	}
	return true
}

func enabled(level Level) bool {
	return callback != nil && level >= minLevel && level < LevelOff
}

func emit(level Level, format string, args ...any) {
	if !enabled(level) {
		return
	}
	function, file, line := "unknown", "unknown", 0
	if pc, f, l, ok := runtime.Caller(2); ok {
		file, line = filepath.Base(f), l
		if fn := runtime.FuncForPC(pc); fn != nil {
			function = fn.Name()
		}
	}
	callback(level, function, file, uint(line), fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...any) { emit(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { emit(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { emit(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { emit(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { emit(LevelError, format, args...) }

// LogrusCallback 将引擎日志转发到 logrus
func LogrusCallback(logger *logrus.Logger) Callback {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(level Level, function, file string, line uint, message string) {
		entry := logger.WithFields(logrus.Fields{
			"component": "waf",
			"function":  function,
			"file":      fmt.Sprintf("%s:%d", file, line),
		})
		switch level {
		case LevelTrace:
			entry.Trace(message)
		case LevelDebug:
			entry.Debug(message)
		case LevelInfo:
			entry.Info(message)
		case LevelWarn:
			entry.Warn(message)
		default:
			entry.Error(message)
		}
	}
}
