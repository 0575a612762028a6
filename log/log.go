// Package log defines the small structured logging interface used across
// craftkit and its slog-backed implementations.
package log

import (
	"context"
	"strings"
)

type contextKey struct{}

// defaultLevel applies to unknown level names and to loggers created for
// contexts that carry none.
const defaultLevel = LevelWarn

// Logger mirrors the slog method set so that other backends can be adapted
// to it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a Logger that adds args to every record.
	With(args ...any) Logger
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// Ctx returns the logger carried by ctx, or a stderr logger at the default
// level.
func Ctx(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextKey{}).(Logger); ok {
		return logger
	}
	return New(defaultLevel)
}

// LevelFromString converts a level name to a Level. Unknown names map to
// the default level.
func LevelFromString(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return defaultLevel
	}
}

// IsValidLevel reports whether value names a known level.
func IsValidLevel(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// NullLogger drops every record. It is the default for components that are
// not given a logger.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (*NullLogger) Debug(string, ...any) {}
func (*NullLogger) Info(string, ...any)  {}
func (*NullLogger) Warn(string, ...any)  {}
func (*NullLogger) Error(string, ...any) {}

func (l *NullLogger) With(...any) Logger { return l }
