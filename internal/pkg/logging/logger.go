package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger 统一使用 logrus
type Logger = *logrus.Logger

type Fields = logrus.Fields

// Entry 带字段的日志条目
type Entry = *logrus.Entry

// NewLogger 按级别和格式创建 logger，format 为 text 时输出文本，否则 JSON
func NewLogger(level, format string) Logger {
	logger := logrus.New()

	if strings.ToLower(format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}

// NewLoggerWithService 所有日志带上 service 字段
func NewLoggerWithService(service, level, format string) Logger {
	logger := NewLogger(level, format)
	logger.AddHook(&serviceHook{service: service})
	return logger
}

// Discard 测试用，丢弃所有输出
func Discard() Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type serviceHook struct {
	service string
}

func (h *serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.service
	}
	return nil
}
