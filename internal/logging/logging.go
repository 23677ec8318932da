// Package logging wraps go.uber.org/zap behind a small Logger interface,
// matching the commons.Logger call sites (Debugf/Infof/Errorf) used
// throughout the teacher codebase.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the leveled, formatted logging surface used across the broker.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production-configured zap logger. debug lowers the level to
// debug, matching the verbosity toggle the connection driver exposes via
// configuration.
func New(debug bool) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: base.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, useful in tests.
func NewNop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }

func (l *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{sugar: l.sugar.Desugar().With(fields...).Sugar()}
}
