// Package enginezap adapts go.uber.org/zap to engine.Logger. This is the
// default Logger wiring for a production deployment of the engine; the
// core package itself never imports zap directly.
package enginezap

import (
	"go.uber.org/zap"

	"github.com/hexinfra/connline/engine"
)

// Logger wraps a *zap.SugaredLogger to satisfy engine.Logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New wraps an existing *zap.Logger. Close flushes it.
func New(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar()}
}

// NewProduction builds a zap production logger (JSON, info level and
// above) and wraps it.
func NewProduction() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

var _ engine.Logger = (*Logger)(nil)

func (l *Logger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }
func (l *Logger) Critf(format string, args ...any)  { l.sugar.Errorf(format, args...) }

// Close flushes any buffered log entries. Sync errors on a console/pipe
// sink (common in tests and CLI tools) are expected and discarded.
func (l *Logger) Close() {
	_ = l.sugar.Sync()
}
