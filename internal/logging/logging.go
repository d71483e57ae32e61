// Package logging provides a small component-tagged logger used across the
// orchestrator. Every subsystem acquires its own logger via NewComponent so
// log lines are always attributable to the store, scheduler, supervisor, etc.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Level mirrors the four persisted task-log levels (debug, info, warn,
// error) so component logs and task logs share a vocabulary.
type Level string

const (
	Debug Level = "debug"
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

// Logger is the interface every subsystem depends on. It never returns an
// error: logging must not be a failure point for task execution.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	With(component string) Logger
}

// componentLogger writes printf-style, color-tagged lines to stderr and,
// when Structured is enabled process-wide, mirrors them through log/slog as
// JSON for machine consumption.
type componentLogger struct {
	component  string
	colorFn    func(format string, a ...any) string
	out        io.Writer
	structured *slog.Logger
}

var (
	mu          sync.Mutex
	structured  *slog.Logger // nil unless EnableStructured is called
	defaultOut  io.Writer    = os.Stderr
	palette     = []color.Attribute{color.FgCyan, color.FgGreen, color.FgYellow, color.FgMagenta, color.FgBlue}
	paletteNext int
)

// EnableStructured turns on JSON log/slog output alongside the colorized
// text stream, at the given minimum level. Call once at startup.
func EnableStructured(level Level, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	structured = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: toSlogLevel(level)}))
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponent creates a logger tagged with the given component name, e.g.
// NewComponent("Scheduler") or NewComponent("Supervisor/instance-3").
func NewComponent(component string) Logger {
	mu.Lock()
	attr := palette[paletteNext%len(palette)]
	paletteNext++
	mu.Unlock()

	c := color.New(attr).SprintfFunc()
	return &componentLogger{
		component:  component,
		colorFn:    c,
		out:        defaultOut,
		structured: structured,
	}
}

func (l *componentLogger) With(component string) Logger {
	return &componentLogger{
		component:  l.component + "/" + component,
		colorFn:    l.colorFn,
		out:        l.out,
		structured: l.structured,
	}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	tag := l.colorFn("[%s]", l.component)
	fmt.Fprintf(l.out, "%s %s %s\n", tag, levelTag(level), msg)
	if l.structured != nil {
		l.structured.Log(context.Background(), toSlogLevel(level), msg, slog.String("component", l.component))
	}
}

func levelTag(l Level) string {
	switch l {
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(Debug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(Info, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(Warn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(Error, format, args...) }

// nopLogger discards everything. Returned by OrNop for nil loggers so callers
// never need a nil check before logging.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (n nopLogger) With(string) Logger { return n }

// IsNil reports whether logger is nil, including a typed-nil pointer stored
// in the interface (the zero value of *componentLogger, for example).
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	if cl, ok := logger.(*componentLogger); ok {
		return cl == nil
	}
	return false
}

// OrNop returns logger unchanged unless it is nil, in which case it returns a
// logger that silently discards everything.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return nopLogger{}
	}
	return logger
}
