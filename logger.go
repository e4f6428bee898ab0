package negortc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// ZapLoggerFactory wraps a zap logger for use with pion's logging system.
// pion's own transport logs and the negotiation logs then share one sink.
type ZapLoggerFactory struct {
	Logger *zap.SugaredLogger
}

var _ logging.LoggerFactory = ZapLoggerFactory{}

type zapLogger struct {
	logger *zap.SugaredLogger
}

func (l zapLogger) withSkip() *zap.SugaredLogger {
	return l.logger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func (l zapLogger) Trace(msg string) {
	l.withSkip().Debug(msg)
}

func (l zapLogger) Tracef(format string, args ...interface{}) {
	l.withSkip().Debugf(format, args...)
}

func (l zapLogger) Debug(msg string) {
	l.withSkip().Debug(msg)
}

func (l zapLogger) Debugf(format string, args ...interface{}) {
	l.withSkip().Debugf(format, args...)
}

func (l zapLogger) Info(msg string) {
	l.withSkip().Info(msg)
}

func (l zapLogger) Infof(format string, args ...interface{}) {
	l.withSkip().Infof(format, args...)
}

func (l zapLogger) Warn(msg string) {
	l.withSkip().Warn(msg)
}

func (l zapLogger) Warnf(format string, args ...interface{}) {
	l.withSkip().Warnf(format, args...)
}

func (l zapLogger) Error(msg string) {
	l.withSkip().Error(msg)
}

func (l zapLogger) Errorf(format string, args ...interface{}) {
	l.withSkip().Errorf(format, args...)
}

// NewLogger returns a logger under the given scope.
func (lf ZapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return zapLogger{lf.Logger.Named(scope)}
}
