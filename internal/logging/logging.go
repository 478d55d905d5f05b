// Package logging provides structured logging using Go's slog package.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// OperationIDKey is the context key for operation IDs.
	OperationIDKey ContextKey = "operation_id"
)

var (
	mu sync.RWMutex

	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger

	// output receives every record written by the global logger.
	output io.Writer = os.Stderr
)

func init() {
	// Initialize with a default logger (JSON format, Info level)
	InitLogger(LevelInfo, FormatJSON)
}

// Level represents a log level.
type Level int

const (
	// LevelDebug is for debug messages.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// Format represents a log output format.
type Format int

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = iota
	// FormatText outputs logs in human-readable text format.
	FormatText
)

// ParseLevel converts a level name (debug, info, warn, error) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat converts a format name (json, text) to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "text":
		return FormatText, nil
	}
	return FormatJSON, fmt.Errorf("unknown log format %q", s)
}

// SetOutput redirects the global logger. It takes effect on the next
// InitLogger call.
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
}

// InitLogger initializes the global logger with the specified level and format.
func InitLogger(level Level, format Format) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	mu.Lock()
	defer mu.Unlock()

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	defaultLogger = slog.New(handler)
}

// GetLogger returns the global logger instance.
func GetLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// WithOperationID adds an operation ID to the context.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, OperationIDKey, id)
}

// GetOperationID retrieves the operation ID from the context.
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggerFromContext returns a logger with context values attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := GetLogger()
	if id := GetOperationID(ctx); id != "" {
		logger = logger.With("operation_id", id)
	}
	return logger
}

func or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return GetLogger()
}

// DebugContext logs a debug message with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Debug(msg, args...)
}

// InfoContext logs an info message with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning message with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error message with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Error(msg, args...)
}

// The helpers below take the logger to write to; nil selects the global one.

// JournalRecovered logs a completed hot-journal playback.
func JournalRecovered(l *slog.Logger, path string, records int, dbPages uint32, args ...any) {
	allArgs := []any{
		"path", path,
		"records", records,
		"db_pages", dbPages,
	}
	allArgs = append(allArgs, args...)
	or(l).Info("journal_recovered", allArgs...)
}

// LockEvent logs a file lock transition. Failed transitions are logged at
// debug level too since contention is routine.
func LockEvent(l *slog.Logger, path string, from, to fmt.Stringer, err error, args ...any) {
	allArgs := []any{
		"path", path,
		"from", from.String(),
		"to", to.String(),
	}
	if err != nil {
		allArgs = append(allArgs, "error", err.Error())
	}
	allArgs = append(allArgs, args...)
	or(l).Debug("lock_event", allArgs...)
}

// CacheSpill logs a dirty page written early to free cache space.
func CacheSpill(l *slog.Logger, path string, pgno uint32, args ...any) {
	allArgs := []any{
		"path", path,
		"pgno", pgno,
	}
	allArgs = append(allArgs, args...)
	or(l).Debug("cache_spill", allArgs...)
}

// PagerError logs a pager entering its error state.
func PagerError(l *slog.Logger, path, operation string, err error, args ...any) {
	allArgs := []any{
		"path", path,
		"operation", operation,
		"error", err.Error(),
	}
	allArgs = append(allArgs, args...)
	or(l).Warn("pager_error", allArgs...)
}
