package main

import (
	"os"
	"path"
	"runtime"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/waf_detector/pkg/config"
	wlog "github.com/haolipeng/waf_detector/pkg/log"
)

func InitLogger(cfg *config.Config) error {
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	logrus.SetFormatter(formatter)

	var level logrus.Level
	var engineLevel wlog.Level
	var err error
	var logWriter *rotates.RotateLogs

	switch cfg.Log.Level {
	case "TRACE":
		level, engineLevel = logrus.TraceLevel, wlog.LevelTrace
	case "DEBUG":
		level, engineLevel = logrus.DebugLevel, wlog.LevelDebug
	case "INFO":
		level, engineLevel = logrus.InfoLevel, wlog.LevelInfo
	case "WARN":
		level, engineLevel = logrus.WarnLevel, wlog.LevelWarn
	case "ERROR":
		level, engineLevel = logrus.ErrorLevel, wlog.LevelError
	case "FATAL":
		level, engineLevel = logrus.FatalLevel, wlog.LevelError
	case "PANIC":
		level, engineLevel = logrus.PanicLevel, wlog.LevelError
	default:
		level, engineLevel = logrus.WarnLevel, wlog.LevelWarn //默认
	}
	logrus.SetLevel(level)

	//1、判断文件路径和文件是否存在，不存在则创建
	if _, err := os.Stat(cfg.Log.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
			return err
		}
	}
	logFileName := path.Join(cfg.Log.Dir, cfg.Log.Filename)

	//2、日志切割功能，按时间来切割
	maxAge := time.Duration(cfg.Log.MaxAge) * time.Hour
	rotateTime := time.Duration(cfg.Log.RotateTime) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if rotateTime <= 0 {
		rotateTime = time.Hour
	}

	options := []rotates.Option{
		rotates.WithMaxAge(maxAge),           //文件最大保存时间
		rotates.WithRotationTime(rotateTime), //文件切割间隔
	}
	if runtime.GOOS != "windows" {
		options = append(options, rotates.WithLinkName(logFileName)) //文件软链接
	}
	logWriter, err = rotates.New(logFileName+".%Y%m%d%H%M", options...)
	if err != nil {
		return err
	}

	//3、不同的日志级别写入同一个切割文件
	lfHook := lfshook.NewHook(lfshook.WriterMap{
		logrus.TraceLevel: logWriter,
		logrus.DebugLevel: logWriter,
		logrus.InfoLevel:  logWriter,
		logrus.WarnLevel:  logWriter,
		logrus.ErrorLevel: logWriter,
		logrus.FatalLevel: logWriter,
		logrus.PanicLevel: logWriter,
	}, &logrus.TextFormatter{})
	logrus.AddHook(lfHook)

	//4、引擎内部日志转发到 logrus
	wlog.SetCallback(wlog.LogrusCallback(logrus.StandardLogger()), engineLevel)
	return nil
}
