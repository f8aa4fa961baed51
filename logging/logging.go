// Package logging adapts structured loggers to durable.Logger.
package logging

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"

	"github.com/velmie/durable"
)

// badKey holds a trailing value without a key, following slog.
const badKey = "!BADKEY"

// pairs walks alternating key/value args.
func pairs(args []any, fn func(key string, value any)) {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fn(badKey, args[i])

			return
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fn(key, args[i+1])
	}
}

type logrusLogger struct {
	entry *logrus.Entry
}

// Logrus adapts a logrus entry. A nil entry uses the standard logger.
func Logrus(entry *logrus.Entry) durable.Logger {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}

	return logrusLogger{entry: entry}
}

func (l logrusLogger) with(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(args)/2+1)
	pairs(args, func(key string, value any) {
		if err, ok := value.(error); ok && key == "err" {
			key = logrus.ErrorKey
			value = err
		}
		fields[key] = value
	})

	return l.entry.WithFields(fields)
}

func (l logrusLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l logrusLogger) Info(msg string, args ...any)  { l.with(args).Info(msg) }
func (l logrusLogger) Warn(msg string, args ...any)  { l.with(args).Warn(msg) }
func (l logrusLogger) Error(msg string, args ...any) { l.with(args).Error(msg) }

type zerologLogger struct {
	logger zerolog.Logger
}

// Zerolog adapts a zerolog logger.
func Zerolog(logger zerolog.Logger) durable.Logger {
	return zerologLogger{logger: logger}
}

func (l zerologLogger) log(ev *zerolog.Event, msg string, args []any) {
	pairs(args, func(key string, value any) {
		if err, ok := value.(error); ok {
			ev = ev.AnErr(key, err)

			return
		}
		ev = ev.Interface(key, value)
	})
	ev.Msg(msg)
}

func (l zerologLogger) Debug(msg string, args ...any) { l.log(l.logger.Debug(), msg, args) }
func (l zerologLogger) Info(msg string, args ...any)  { l.log(l.logger.Info(), msg, args) }
func (l zerologLogger) Warn(msg string, args ...any)  { l.log(l.logger.Warn(), msg, args) }
func (l zerologLogger) Error(msg string, args ...any) { l.log(l.logger.Error(), msg, args) }
