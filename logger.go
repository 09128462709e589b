package statecache

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Provide an adapter around your logging stack
// (see log/zap, log/logrus, log/slog). If Logger is nil in Options, logging is disabled.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// componentLogger stamps every record with the emitting component.
type componentLogger struct {
	l    Logger
	name string
}

func named(l Logger, component string) Logger {
	if _, ok := l.(NopLogger); ok {
		return l
	}
	return componentLogger{l: l, name: component}
}

func (c componentLogger) with(f Fields) Fields {
	out := make(Fields, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out["component"] = c.name
	return out
}

func (c componentLogger) Debug(msg string, f Fields) { c.l.Debug(msg, c.with(f)) }
func (c componentLogger) Info(msg string, f Fields)  { c.l.Info(msg, c.with(f)) }
func (c componentLogger) Warn(msg string, f Fields)  { c.l.Warn(msg, c.with(f)) }
func (c componentLogger) Error(msg string, f Fields) { c.l.Error(msg, c.with(f)) }
