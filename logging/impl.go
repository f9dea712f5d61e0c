package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type impl struct {
	name  string
	level AtomicLevel
	inUTC bool

	appenders []Appender
}

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Sublogger(subname string) Logger {
	name := subname
	if imp.name != "" {
		name = imp.name + "." + subname
	}
	return &impl{
		name:      name,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		appenders: imp.appenders,
	}
}

func (imp *impl) Sync() error {
	var err error
	for _, appender := range imp.appenders {
		err = multierr.Append(err, appender.Sync())
	}
	return err
}

func (imp *impl) enabled(level Level) bool {
	return level >= imp.level.Get()
}

// entry starts an entry attributed to the caller of the public logging method.
func (imp *impl) entry(level Level, msg string) zapcore.Entry {
	now := time.Now()
	if imp.inUTC {
		now = now.UTC()
	}
	return zapcore.Entry{
		Level:      level.AsZap(),
		Time:       now,
		LoggerName: imp.name,
		Message:    msg,
		Caller:     getCaller(),
	}
}

func (imp *impl) write(entry zapcore.Entry, fields []zapcore.Field) {
	for _, appender := range imp.appenders {
		if err := appender.Write(entry, fields); err != nil {
			fmt.Fprint(os.Stderr, err)
		}
	}
}

// fields pairs up keysAndValues. Keys are printed with %v; values are JSON encoded so only
// exported struct fields show up.
func fields(keysAndValues []interface{}) []zapcore.Field {
	out := make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 < len(keysAndValues) {
			out = append(out, zap.Any(key, keysAndValues[i+1]))
		} else {
			out = append(out, zap.Any(key, errors.New("unpaired log key")))
		}
	}
	return out
}

func (imp *impl) logArgs(level Level, args []interface{}, extra []zapcore.Field) {
	imp.write(imp.entry(level, fmt.Sprint(args...)), extra)
}

func (imp *impl) logf(level Level, template string, args []interface{}, extra []zapcore.Field) {
	imp.write(imp.entry(level, fmt.Sprintf(template, args...)), extra)
}

func (imp *impl) logw(level Level, msg string, keysAndValues []interface{}, extra []zapcore.Field) {
	imp.write(imp.entry(level, msg), append(fields(keysAndValues), extra...))
}

// ctxFields returns the debug tag of ctx as a field, and whether ctx forces debug output.
func ctxFields(ctx context.Context) ([]zapcore.Field, bool) {
	tag := debugTag(ctx)
	if tag == "" {
		return nil, false
	}
	return []zapcore.Field{zap.String("debug", tag)}, true
}

func (imp *impl) Debug(args ...interface{}) {
	if imp.enabled(DEBUG) {
		imp.logArgs(DEBUG, args, nil)
	}
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	if imp.enabled(DEBUG) {
		imp.logf(DEBUG, template, args, nil)
	}
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(DEBUG) {
		imp.logw(DEBUG, msg, keysAndValues, nil)
	}
}

func (imp *impl) CDebug(ctx context.Context, args ...interface{}) {
	if extra, forced := ctxFields(ctx); forced || imp.enabled(DEBUG) {
		imp.logArgs(DEBUG, args, extra)
	}
}

func (imp *impl) CDebugf(ctx context.Context, template string, args ...interface{}) {
	if extra, forced := ctxFields(ctx); forced || imp.enabled(DEBUG) {
		imp.logf(DEBUG, template, args, extra)
	}
}

func (imp *impl) CDebugw(ctx context.Context, msg string, keysAndValues ...interface{}) {
	if extra, forced := ctxFields(ctx); forced || imp.enabled(DEBUG) {
		imp.logw(DEBUG, msg, keysAndValues, extra)
	}
}

func (imp *impl) Info(args ...interface{}) {
	if imp.enabled(INFO) {
		imp.logArgs(INFO, args, nil)
	}
}

func (imp *impl) Infof(template string, args ...interface{}) {
	if imp.enabled(INFO) {
		imp.logf(INFO, template, args, nil)
	}
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	if imp.enabled(INFO) {
		imp.logw(INFO, msg, keysAndValues, nil)
	}
}

func (imp *impl) Warn(args ...interface{}) {
	if imp.enabled(WARN) {
		imp.logArgs(WARN, args, nil)
	}
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	if imp.enabled(WARN) {
		imp.logf(WARN, template, args, nil)
	}
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(WARN) {
		imp.logw(WARN, msg, keysAndValues, nil)
	}
}

func (imp *impl) Error(args ...interface{}) {
	if imp.enabled(ERROR) {
		imp.logArgs(ERROR, args, nil)
	}
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	if imp.enabled(ERROR) {
		imp.logf(ERROR, template, args, nil)
	}
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	if imp.enabled(ERROR) {
		imp.logw(ERROR, msg, keysAndValues, nil)
	}
}

// getCaller finds the code that called a public logging method. Every public method reaches it
// through one of logArgs, logf or logw and then entry.
func getCaller() zapcore.EntryCaller {
	const skipToLogCaller = 4
	var caller zapcore.EntryCaller
	var ok bool
	caller.PC, caller.File, caller.Line, ok = runtime.Caller(skipToLogCaller)
	if !ok {
		return caller
	}
	caller.Defined = true
	if fn := runtime.FuncForPC(caller.PC); fn != nil {
		caller.Function = fn.Name()
	}
	return caller
}
