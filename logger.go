package durable

// Logger receives runtime diagnostics. Args alternate between keys and values.
// logging.Logrus and logging.Zerolog adapt the common backends.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// LoggerWith returns a Logger that appends kv to the args of every entry.
func LoggerWith(l Logger, kv ...any) Logger {
	if len(kv) == 0 {
		return l
	}
	if _, ok := l.(NopLogger); ok {
		return l
	}
	if f, ok := l.(fieldLogger); ok {
		return fieldLogger{next: f.next, fields: append(f.fields[:len(f.fields):len(f.fields)], kv...)}
	}

	return fieldLogger{next: l, fields: kv}
}

type fieldLogger struct {
	next   Logger
	fields []any
}

func (l fieldLogger) with(args []any) []any {
	out := make([]any, 0, len(args)+len(l.fields))

	return append(append(out, args...), l.fields...)
}

func (l fieldLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.with(args)...) }
func (l fieldLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.with(args)...) }
func (l fieldLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.with(args)...) }
func (l fieldLogger) Error(msg string, args ...any) { l.next.Error(msg, l.with(args)...) }
