// Package diag provides the kernel's structured diagnostic logging. It wraps
// log/slog the way a hosted Go program would, except the sink is whatever
// byte-oriented writer the board wires up (normally the UART), since the
// kernel has no filesystem to hold a log file.
package diag

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Level mirrors slog.Level so callers don't need to import log/slog directly.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	mu      sync.Mutex
	logger  *slog.Logger
	levelVar = new(slog.LevelVar)
)

func init() {
	// Default to a discarding logger until Init wires a real sink; kernel
	// code that logs before boot-console setup must not fault.
	logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: levelVar}))
}

// Init points kernel diagnostics at out (normally a UART writer) with the
// text handler's source-line annotations enabled, matching the verbosity the
// teacher's uartPuts diagnostics carried, but structured.
func Init(out io.Writer, level Level) {
	mu.Lock()
	defer mu.Unlock()
	levelVar.Set(level)
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		AddSource: true,
		Level:     levelVar,
	}))
}

// SetLevel adjusts verbosity at runtime, e.g. from a kernel shell command.
func SetLevel(level Level) {
	levelVar.Set(level)
}

func current() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Debugf logs a low-level diagnostic (page-table walk details, descriptor
// chain contents).
func Debugf(msg string, args ...any) { current().Debug(fmt.Sprintf(msg, args...)) }

// Infof logs a normal lifecycle event (subsystem init, process create/exit).
func Infof(msg string, args ...any) { current().Info(fmt.Sprintf(msg, args...)) }

// Warnf logs a precondition violation the kernel refused and continued past
// (bad alignment, overlapping mapping, freeing unallocated memory).
func Warnf(msg string, args ...any) { current().Warn(fmt.Sprintf(msg, args...)) }

// Errorf logs a fault or unrecoverable-to-the-operation condition (decoded
// abort syndrome, OOM during page-table construction, malformed virtqueue
// used entry).
func Errorf(msg string, args ...any) { current().Error(fmt.Sprintf(msg, args...)) }
