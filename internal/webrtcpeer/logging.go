package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's very chatty trace output
// stays hidden at the usual debug level.
const levelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory adapts logger to pion's LoggerFactory. Each pion scope
// ("ice", "sctp", "pc", ...) becomes a "pion_scope" attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggerFactory{log: logger}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{log: f.log.With("pion_scope", scope)}
}

type scopedLogger struct {
	log *slog.Logger
}

func (l *scopedLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *scopedLogger) Trace(msg string) { l.emit(levelTrace, msg) }
func (l *scopedLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *scopedLogger) Info(msg string)  { l.emit(slog.LevelInfo, msg) }
func (l *scopedLogger) Warn(msg string)  { l.emit(slog.LevelWarn, msg) }
func (l *scopedLogger) Error(msg string) { l.emit(slog.LevelError, msg) }

func (l *scopedLogger) Tracef(format string, args ...interface{}) {
	l.emitf(levelTrace, format, args...)
}

func (l *scopedLogger) Debugf(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}

func (l *scopedLogger) Infof(format string, args ...interface{}) {
	l.emitf(slog.LevelInfo, format, args...)
}

func (l *scopedLogger) Warnf(format string, args ...interface{}) {
	l.emitf(slog.LevelWarn, format, args...)
}

func (l *scopedLogger) Errorf(format string, args ...interface{}) {
	l.emitf(slog.LevelError, format, args...)
}

func (l *scopedLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.emit(level, fmt.Sprintf(format, args...))
}
