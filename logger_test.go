package durable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordedEntry struct {
	level string
	msg   string
	args  []any
}

type recordingLogger struct {
	entries []recordedEntry
}

func (l *recordingLogger) record(level, msg string, args []any) {
	l.entries = append(l.entries, recordedEntry{level: level, msg: msg, args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func TestLoggerWithAppendsFields(t *testing.T) {
	rec := &recordingLogger{}
	relay := LoggerWith(rec, "component", "relay")
	worker := LoggerWith(relay, "worker", 2)

	relay.Warn("send failed", "err", "timeout")
	worker.Error("panic")

	assert.Equal(t, []recordedEntry{
		{level: "warn", msg: "send failed", args: []any{"err", "timeout", "component", "relay"}},
		{level: "error", msg: "panic", args: []any{"component", "relay", "worker", 2}},
	}, rec.entries)

	relay.Info("idle")
	assert.Equal(t, []any{"component", "relay"}, rec.entries[2].args, "child fields must not leak into the parent")
}

func TestLoggerWithPassThrough(t *testing.T) {
	rec := &recordingLogger{}
	assert.Same(t, rec, LoggerWith(rec))
	assert.Equal(t, NopLogger{}, LoggerWith(NopLogger{}, "component", "relay"))
}
