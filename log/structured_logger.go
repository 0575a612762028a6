package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level represents the minimum log level
type Level slog.Level

// Available log levels
const (
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

// StructuredLogger implements Logger on top of a slog.Handler. Records carry
// the source location of the craftkit call that logged them.
type StructuredLogger struct {
	handler slog.Handler
}

// New returns a StructuredLogger writing colorized text to stderr. Color is
// turned off when stderr is not a terminal.
func New(level Level) *StructuredLogger {
	return &StructuredLogger{handler: tint.NewHandler(os.Stderr, &tint.Options{
		AddSource:   true,
		Level:       slog.Level(level),
		NoColor:     !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: shortSource,
		TimeFormat:  time.Kitchen,
	})}
}

// NewJSON returns a StructuredLogger writing JSON lines to w.
func NewJSON(w io.Writer, level Level) *StructuredLogger {
	return &StructuredLogger{handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.Level(level),
		ReplaceAttr: shortSource,
	})}
}

// FromSlog adapts an existing slog.Logger.
func FromSlog(logger *slog.Logger) *StructuredLogger {
	return &StructuredLogger{handler: logger.Handler()}
}

func (l *StructuredLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }
func (l *StructuredLogger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l *StructuredLogger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l *StructuredLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

func (l *StructuredLogger) With(args ...any) Logger {
	return &StructuredLogger{handler: slog.New(l.handler).With(args...).Handler()}
}

// log must be called directly by the exported level methods so that the
// recorded pc is their caller.
func (l *StructuredLogger) log(level slog.Level, msg string, args []any) {
	ctx := context.Background()
	if !l.handler.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // Callers, log, the level method
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.handler.Handle(ctx, r)
}

// shortSource renders the source attribute as "dir/file.go:line".
func shortSource(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey || len(groups) > 0 {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	return slog.String(slog.SourceKey, formatSource(src.File, src.Line))
}

func formatSource(file string, line int) string {
	if file == "" {
		return "unknown"
	}
	dir := filepath.Base(filepath.Dir(file))
	if dir == "." || dir == "/" {
		return fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return fmt.Sprintf("%s/%s:%d", dir, filepath.Base(file), line)
}
