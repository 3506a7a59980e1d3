// Package logging builds the structured loggers used across the service.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Option configures a logger created with New.
type Option func(*config)

type config struct {
	level   slog.Level
	json    bool
	pretty  bool
	source  bool
	writers []io.Writer
}

// WithDebug sets the log level to Debug when true, Info otherwise.
func WithDebug(debug bool) Option {
	return func(c *config) {
		if debug {
			c.level = slog.LevelDebug
		} else {
			c.level = slog.LevelInfo
		}
	}
}

// WithLevel parses a textual level ("debug", "info", "warn", "error").
// Unknown values keep the current level.
func WithLevel(level string) Option {
	return func(c *config) {
		switch strings.ToLower(strings.TrimSpace(level)) {
		case "debug":
			c.level = slog.LevelDebug
		case "info":
			c.level = slog.LevelInfo
		case "warn", "warning":
			c.level = slog.LevelWarn
		case "error":
			c.level = slog.LevelError
		}
	}
}

// WithJSON switches to slog's JSON handler.
func WithJSON(json bool) Option {
	return func(c *config) {
		c.json = json
	}
}

// WithPretty switches to the charmbracelet/log handler for terminal output.
func WithPretty(pretty bool) Option {
	return func(c *config) {
		c.pretty = pretty
	}
}

// WithFormat maps a LOG_FORMAT value (text|json|pretty) onto the handler options.
func WithFormat(format string) Option {
	return func(c *config) {
		switch strings.ToLower(strings.TrimSpace(format)) {
		case "json":
			c.json, c.pretty = true, false
		case "pretty":
			c.json, c.pretty = false, true
		default:
			c.json, c.pretty = false, false
		}
	}
}

// WithSource includes file:line in log output.
func WithSource(source bool) Option {
	return func(c *config) {
		c.source = source
	}
}

// WithWriter overrides the output writer. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writers = []io.Writer{w}
	}
}

// New builds a *slog.Logger. JSON takes precedence over pretty.
func New(opts ...Option) *slog.Logger {
	c := &config{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(c)
	}

	var out io.Writer = os.Stdout
	switch len(c.writers) {
	case 0:
	case 1:
		out = c.writers[0]
	default:
		out = io.MultiWriter(c.writers...)
	}

	switch {
	case c.json:
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: c.level, AddSource: c.source}))
	case c.pretty:
		handler := charmlog.NewWithOptions(out, charmlog.Options{
			ReportTimestamp: true,
			ReportCaller:    c.source,
			Level:           charmLevel(c.level),
		})
		return slog.New(handler)
	default:
		return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: c.level, AddSource: c.source}))
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level <= slog.LevelInfo:
		return charmlog.InfoLevel
	case level <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}
