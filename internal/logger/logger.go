// Package logger configures the daemon's slog output: a colorized console
// handler and an optional lumberjack-rotated file.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters (lumberjack semantics).
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes logging destinations for the daemon.
type Config struct {
	Level      string `toml:"level" mapstructure:"level"` // debug|info|warn|error
	File       string `toml:"file" mapstructure:"file"`   // empty = console only
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	NoColor    bool   `toml:"no_color" mapstructure:"no_color"`
}

func (c Config) level() slog.Level {
	switch strings.ToLower(c.Level) {
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

// Writer returns the rotating file writer, or nil when no file is set.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds the slog.Logger for cfg. When a file is configured, records go
// to both the console and the file.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.level()}
	var console slog.Handler
	if cfg.NoColor {
		console = slog.NewTextHandler(os.Stderr, opts)
	} else {
		console = newColorHandler(os.Stderr, opts)
	}
	if w := cfg.Writer(); w != nil {
		return slog.New(teeHandler{console, slog.NewTextHandler(w, opts)})
	}
	return slog.New(console)
}

// SGR color parameters per level. Anything off the ladder stays uncolored.
var levelColors = map[slog.Level]string{
	slog.LevelDebug: "36",
	slog.LevelInfo:  "32",
	slog.LevelWarn:  "33",
	slog.LevelError: "31",
}

// colorHandler prefixes each record's message with the colorized level
// name, leaving the text layout to the wrapped handler.
type colorHandler struct {
	inner slog.Handler
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return colorHandler{inner: slog.NewTextHandler(w, opts)}
}

func (h colorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h colorHandler) Handle(ctx context.Context, r slog.Record) error {
	code, ok := levelColors[r.Level]
	if !ok {
		code = "0"
	}
	r.Message = "\033[" + code + "m" + r.Level.String() + "\033[0m  " + r.Message
	return h.inner.Handle(ctx, r)
}

func (h colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return colorHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h colorHandler) WithGroup(name string) slog.Handler {
	return colorHandler{inner: h.inner.WithGroup(name)}
}

// teeHandler fans one record out to both destinations.
type teeHandler [2]slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t[0].Enabled(ctx, level) || t[1].Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	err1 := t[0].Handle(ctx, r.Clone())
	err2 := t[1].Handle(ctx, r)
	if err1 != nil {
		return err1
	}
	return err2
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t[0].WithAttrs(attrs), t[1].WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t[0].WithGroup(name), t[1].WithGroup(name)}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
