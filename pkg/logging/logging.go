// Package logging wraps slog with the fields the runners and the engine log.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Options selects the level, format and destination of log output.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	// Format is text or json.
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
	// Output is stderr, stdout or a file path opened for appending.
	Output string `yaml:"output" json:"output"`
}

// Logger wraps slog.Logger with salmon-specific context.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that writes human-readable lines to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger creates a Logger that writes JSON lines to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Noop discards everything.
func Noop() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(1000)}))
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New builds a Logger from options. Close it to release a log file.
func New(o Options) (*Logger, error) {
	level, err := ParseLevel(o.Level)
	if err != nil {
		return nil, err
	}
	var w io.Writer
	var closer io.Closer
	switch o.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(o.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	var l *Logger
	switch strings.ToLower(o.Format) {
	case "", "text":
		l = NewTextLogger(w, level)
	case "json":
		l = NewJSONLogger(w, level)
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", o.Format)
	}
	l.closer = closer
	return l, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// WithSampler tags lines with the sampler identity.
func (l *Logger) WithSampler(id string) *Logger {
	return &Logger{Logger: l.Logger.With("sampler", id), closer: l.closer}
}

// WithRun tags lines with a runner run id.
func (l *Logger) WithRun(id string) *Logger {
	return &Logger{Logger: l.Logger.With("run", id), closer: l.closer}
}

// LogIteration logs one runner iteration.
func (l *Logger) LogIteration(ctx context.Context, iteration, drained, published int, modelChanged bool, took time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "iteration failed",
			"iteration", iteration,
			"drained", drained,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "iteration completed",
		"iteration", iteration,
		"drained", drained,
		"published", published,
		"model_changed", modelChanged,
		"took", took,
	)
}

// LogCheckpoint logs a checkpoint save.
func (l *Logger) LogCheckpoint(ctx context.Context, bytes int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed", "error", err)
		return
	}
	l.DebugContext(ctx, "checkpoint saved", "bytes", bytes)
}

// StoreLogger adapts a Logger to the printf-style interface badger expects.
// Badger's info lines are logged at debug level.
type StoreLogger struct {
	l *slog.Logger
}

// Store returns a StoreLogger tagged with component=badger.
func (l *Logger) Store() *StoreLogger {
	return &StoreLogger{l: l.Logger.With("component", "badger")}
}

func (s *StoreLogger) Errorf(format string, args ...any) {
	s.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s *StoreLogger) Warningf(format string, args ...any) {
	s.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s *StoreLogger) Infof(format string, args ...any) {
	s.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (s *StoreLogger) Debugf(format string, args ...any) {
	s.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
