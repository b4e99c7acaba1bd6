// Package logger provides the process-wide structured logger. Components
// receive it through the context so library code never reaches for a
// global.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the logging surface handed to components.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)
	Fatal(msg string, tags ...any)

	With(attrs ...any) Logger
	WithGroup(name string) Logger
}

var _ Logger = (*appLogger)(nil)

type appLogger struct {
	logger *slog.Logger
}

// Config controls the handlers built by NewLogger.
type Config struct {
	level  string
	format string
	writer io.Writer
	quiet  bool
}

// Option configures NewLogger.
type Option func(*Config)

// WithLevel sets the minimum level: debug, info, warn, or error.
func WithLevel(level string) Option {
	return func(cfg *Config) {
		cfg.level = level
	}
}

// WithFormat sets the output format: text or json.
func WithFormat(format string) Option {
	return func(cfg *Config) {
		cfg.format = format
	}
}

// WithWriter adds a second sink, typically a log file. Writes to it are
// serialized so lines from concurrent tasks do not interleave.
func WithWriter(w io.Writer) Option {
	return func(cfg *Config) {
		cfg.writer = w
	}
}

// WithQuiet suppresses the stderr handler.
func WithQuiet() Option {
	return func(cfg *Config) {
		cfg.quiet = true
	}
}

// NewLogger builds a logger that fans out to stderr plus any configured
// writer.
func NewLogger(opts ...Option) Logger {
	cfg := &Config{format: "text", level: "info"}
	for _, opt := range opts {
		opt(cfg)
	}

	level := parseLevel(cfg.level)
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handlers []slog.Handler
	if !cfg.quiet {
		handlers = append(handlers, newHandler(os.Stderr, cfg.format, handlerOpts))
	}
	if cfg.writer != nil {
		handlers = append(handlers, &guardedHandler{
			handler: newHandler(cfg.writer, cfg.format, handlerOpts),
		})
	}

	return &appLogger{logger: slog.New(slogmulti.Fanout(handlers...))}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func (a *appLogger) Debug(msg string, tags ...any) { a.logger.Debug(msg, tags...) }
func (a *appLogger) Info(msg string, tags ...any)  { a.logger.Info(msg, tags...) }
func (a *appLogger) Warn(msg string, tags ...any)  { a.logger.Warn(msg, tags...) }
func (a *appLogger) Error(msg string, tags ...any) { a.logger.Error(msg, tags...) }

func (a *appLogger) Fatal(msg string, tags ...any) {
	a.logger.Error(msg, tags...)
	os.Exit(1)
}

func (a *appLogger) With(attrs ...any) Logger {
	return &appLogger{logger: a.logger.With(attrs...)}
}

func (a *appLogger) WithGroup(name string) Logger {
	return &appLogger{logger: a.logger.WithGroup(name)}
}

var _ slog.Handler = (*guardedHandler)(nil)

// guardedHandler serializes writes to a shared sink so records from
// concurrently running tasks come out whole.
type guardedHandler struct {
	handler slog.Handler
	mu      sync.Mutex
}

func (g *guardedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return g.handler.Enabled(ctx, level)
}

func (g *guardedHandler) Handle(ctx context.Context, record slog.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler.Handle(ctx, record)
}

func (g *guardedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &guardedHandler{handler: g.handler.WithAttrs(attrs)}
}

func (g *guardedHandler) WithGroup(name string) slog.Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &guardedHandler{handler: g.handler.WithGroup(name)}
}
