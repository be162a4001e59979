// Package logger provides the logging facade used across GBE components,
// backed by zerolog with optional file rotation.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the key-value logging interface components depend on.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// With returns a child logger carrying the given fields on every line.
	With(kv ...any) Logger
}

// Options configures a logger.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// File, when set, routes output through a rotating log file instead of
	// stderr.
	File string
	// MaxSizeMB bounds a rotated file's size (lumberjack default if 0).
	MaxSizeMB int
	// Console renders human-readable output instead of JSON lines.
	Console bool
}

type zlogger struct {
	zl zerolog.Logger
}

// New creates a logger per opts.
func New(opts Options) Logger {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  opts.MaxSizeMB,
		}
	} else if opts.Console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	zl := zerolog.New(w).Level(parseLevel(opts.Level)).With().Timestamp().Logger()
	return &zlogger{zl: zl}
}

// NewNop returns a logger that discards everything. Used by tests and as the
// default when an embedder passes nil.
func NewNop() Logger {
	return &zlogger{zl: zerolog.Nop()}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *zlogger) Debug(msg string, kv ...any) { emit(l.zl.Debug(), msg, kv) }
func (l *zlogger) Info(msg string, kv ...any)  { emit(l.zl.Info(), msg, kv) }
func (l *zlogger) Warn(msg string, kv ...any)  { emit(l.zl.Warn(), msg, kv) }
func (l *zlogger) Error(msg string, kv ...any) { emit(l.zl.Error(), msg, kv) }

func (l *zlogger) With(kv ...any) Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return &zlogger{zl: ctx.Logger()}
}

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
