// Package log is the structured logger used across mdxemit.
//
// Loggers are context-first and key/value based. Error takes the error as its
// own argument so the chain, types and origin can be attached as fields.
// Output goes to stderr by default; stdout is reserved for the run report.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

// Options configures New. A nil StacktraceLevel means slog.LevelError.
type Options struct {
	App               string
	Version           string
	Level             slog.Level
	StacktraceLevel   slog.Leveler
	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
