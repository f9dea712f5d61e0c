// Package logging contains the leveled logger used across the odometry engine. Entries are built
// as zap entries and written to appenders: the console, a rotated log file, or the test log.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation limits.
const (
	logFileMaxMB      = 64
	logFileMaxBackups = 2
)

// NewLogger returns a logger writing Info+ logs to stdout in UTC.
func NewLogger(name string) Logger {
	return &impl{name: name, level: NewAtomicLevelAt(INFO), inUTC: true, appenders: []Appender{NewStdoutAppender()}}
}

// NewFileLogger returns a logger writing Info+ logs both to stdout and to a size-rotated,
// compressed file at path. The returned closer releases the file.
func NewFileLogger(name, path string) (Logger, func() error) {
	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxMB,
		MaxBackups: logFileMaxBackups,
		Compress:   true,
	}
	logger := &impl{
		name:      name,
		level:     NewAtomicLevelAt(INFO),
		inUTC:     true,
		appenders: []Appender{NewStdoutAppender(), NewWriterAppender(rotating)},
	}
	return logger, rotating.Close
}

// NewTestLogger returns a logger writing Debug+ logs to the test object in local time.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also records entries so tests can assert on them.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	core, observed := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	logger := &impl{
		level:     NewAtomicLevelAt(DEBUG),
		appenders: []Appender{NewTestAppender(tb), core},
	}
	return logger, observed
}
