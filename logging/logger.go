// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer ExecLogger with contextual
// helpers (pool, command) and domain specific logging helpers for command
// starts, exits and pool progress.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// LogLevel represents different logging levels.
// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines the minimal logging interface for execmesh.
// This allows users to provide their own logger implementation or use the built-in adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// ExecLogger wraps slog.Logger adding contextual cloning helpers and domain
// convenience methods. It should be cheap to copy via With* methods.
type ExecLogger struct {
	logger    *slog.Logger
	level     LogLevel
	context   map[string]interface{}
	component string
	poolID    string
	commandID string
}

// LoggerConfig configures construction of an ExecLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // json or text
	Output      io.Writer
	AddSource   bool
	Component   string
	PoolID      string
	CommandID   string
	CustomAttrs map[string]interface{}
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stderr, AddSource: false, CustomAttrs: map[string]interface{}{}}
}

// NewLogger builds an ExecLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *ExecLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &ExecLogger{logger: slog.New(handler), level: cfg.Level, context: map[string]interface{}{}, component: cfg.Component, poolID: cfg.PoolID, commandID: cfg.CommandID}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *ExecLogger) clone() *ExecLogger {
	nl := *l
	nl.context = map[string]interface{}{}
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithContext adds a key/value attribute that will be attached to every log entry.
func (l *ExecLogger) WithContext(key string, value interface{}) *ExecLogger {
	nl := l.clone()
	nl.context[key] = value
	return nl
}

// WithComponent sets the logical component (command, pool, remote, etc.).
func (l *ExecLogger) WithComponent(c string) *ExecLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithPool attaches pool and command identifiers.
func (l *ExecLogger) WithPool(poolID, commandID string) *ExecLogger {
	nl := l.clone()
	nl.poolID = poolID
	nl.commandID = commandID
	return nl
}

func (l *ExecLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+4)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.poolID != "" {
		attrs = append(attrs, slog.String("pool_id", l.poolID))
	}
	if l.commandID != "" {
		attrs = append(attrs, slog.String("command_id", l.commandID))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// log emits one entry with the logger's contextual attributes followed by
// the caller's alternating key/value args, matching slog semantics.
func (l *ExecLogger) log(level slog.Level, allowed bool, msg string, args ...interface{}) {
	if !allowed {
		return
	}
	all := make([]interface{}, 0, len(l.context)*2+len(args)+6)
	for _, attr := range l.buildAttrs() {
		all = append(all, attr)
	}
	all = append(all, args...)
	l.logger.Log(context.Background(), level, msg, all...)
}

// Debug logs at debug level.
func (l *ExecLogger) Debug(msg string, args ...interface{}) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *ExecLogger) Info(msg string, args ...interface{}) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *ExecLogger) Warn(msg string, args ...interface{}) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *ExecLogger) Error(msg string, args ...interface{}) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// LogCommandStart records the launch of an external command.
func (l *ExecLogger) LogCommandStart(argv []string, directory string, pid int) {
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.Any("argv", argv), slog.Int("pid", pid))
	if directory != "" {
		attrs = append(attrs, slog.String("directory", directory))
	}
	l.logger.LogAttrs(context.Background(), slog.LevelInfo, "Command started", attrs...)
}

// LogCommandExit records the exit of an external command.
func (l *ExecLogger) LogCommandExit(argv []string, exitCode int, dur time.Duration, err error) {
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.Any("argv", argv), slog.Int("exit_code", exitCode), slog.Duration("duration", dur))
	level := slog.LevelInfo
	msg := "Command finished"
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level = slog.LevelError
		msg = "Command failed"
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogPoolProgress records one scheduler iteration of a command pool.
func (l *ExecLogger) LogPoolProgress(running, finished, total int) {
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.Int("running", running), slog.Int("finished", finished), slog.Int("total", total))
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "Pool progress", attrs...)
}

// StartTimer returns a closure that logs the elapsed duration when invoked.
func (l *ExecLogger) StartTimer(op string) func() {
	start := time.Now()
	return func() { l.Info("Operation completed", "operation", op, "duration", time.Since(start)) }
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// NewSlogLogger creates a new ExecLogger with the specified configuration.
func NewSlogLogger(level LogLevel, format string, addSource bool) *ExecLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}
