package engine

// Logger is the logging collaborator the core writes to. Like HttpDriver
// and RequestHandler, it is an interface only — the concrete sink (files,
// stderr, a structured logging library) lives outside the core. See
// enginezap for the zap-backed default.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Critf(format string, args ...any) // ParserError and other "should not happen" faults
	Close()
}

// NopLogger discards everything. It is the default when a Connection or
// Server is built without an explicit Logger.
func NopLogger() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}
func (nopLogger) Critf(string, ...any)  {}
func (nopLogger) Close()                {}
