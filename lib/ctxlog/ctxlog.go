// Package ctxlog provides structured logging whose attributes travel with a
// context.Context.
package ctxlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type attrsKey struct{}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (text, json).
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

var level = new(slog.LevelVar)

// Setup installs the process-wide logger.
func Setup(cfg Config) {
	level.Set(ParseLevel(cfg.Level))
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel converts a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a context whose log lines carry the given key/value pairs in
// addition to those already attached.
func With(ctx context.Context, args ...any) context.Context {
	prev := attrs(ctx)
	next := make([]any, 0, len(prev)+len(args))
	next = append(next, prev...)
	next = append(next, args...)
	return context.WithValue(ctx, attrsKey{}, next)
}

func attrs(ctx context.Context) []any {
	if a, ok := ctx.Value(attrsKey{}).([]any); ok {
		return a
	}
	return nil
}

// Logger returns the default logger enriched with the context's attributes.
func Logger(ctx context.Context) *slog.Logger {
	return slog.Default().With(attrs(ctx)...)
}

func Debugf(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelDebug, msg, args...)
}

func Infof(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelInfo, msg, args...)
}

func Warnf(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelWarn, msg, args...)
}

func Errorf(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelError, msg, args...)
}

func log(ctx context.Context, lvl slog.Level, msg string, args ...any) {
	l := slog.Default()
	if !l.Enabled(ctx, lvl) {
		return
	}
	l.Log(ctx, lvl, fmt.Sprintf(msg, args...), attrs(ctx)...)
}
