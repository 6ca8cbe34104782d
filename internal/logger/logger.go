// Package logger provides structured, level-gated logging for the engine.
//
// Every entry carries the emitting module and an action name:
//
//	2006-01-02T15:04:05Z INF the message action=template_save module=ENGINE
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are silently dropped.
//
// Usage:
//
//	log := logger.New("ENGINE", cfg.LogLevel)
//	log.Info("process_text", "4 entities replaced")
//	log.Errorf("template_save", "save %s: %v", id, err)
//
// Entries are written by zerolog. The default output is a console writer on
// stderr; call Configure("json") to switch every logger created afterwards
// to line-delimited JSON.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a log severity.
type Level int32

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota // fine-grained diagnostic output
	LevelInfo               // normal operational messages
	LevelWarn               // unexpected but recoverable conditions
	LevelError              // failures requiring attention
)

var (
	outMu     sync.RWMutex
	outWriter io.Writer = consoleWriter(os.Stderr)
)

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
}

// Configure selects the output format for loggers created after the call.
// "json" writes raw zerolog JSON to stderr; anything else uses the console writer.
func Configure(format string) {
	outMu.Lock()
	defer outMu.Unlock()
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		outWriter = os.Stderr
		return
	}
	outWriter = consoleWriter(os.Stderr)
}

// Logger writes structured log lines for a single module.
type Logger struct {
	module string
	level  atomic.Int32
	out    zerolog.Logger
}

// New creates a Logger for the given module, gated at the given level string.
// Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	outMu.RLock()
	w := outWriter
	outMu.RUnlock()
	return newWithWriter(module, levelStr, w)
}

func newWithWriter(module, levelStr string, w io.Writer) *Logger {
	l := &Logger{
		module: strings.ToUpper(module),
		out:    zerolog.New(w).With().Timestamp().Logger(),
	}
	l.level.Store(int32(parseLevel(levelStr)))
	return l
}

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level.Store(int32(parseLevel(levelStr)))
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	l.Debug(action, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
// Only command entry points may call it.
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

// write emits one log entry if level >= the configured minimum.
func (l *Logger) write(level Level, action, msg string) {
	if int32(level) < l.level.Load() {
		return
	}
	l.out.WithLevel(zerologLevel(level)).
		Str("module", l.module).
		Str("action", action).
		Msg(msg)
}

func zerologLevel(level Level) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// parseLevel converts a string to a Level, defaulting to LevelInfo.
func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
