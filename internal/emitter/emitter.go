package emitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/mdxemit/internal/content"
	"github.com/keithlinneman/mdxemit/internal/cryptoutil"
	"github.com/keithlinneman/mdxemit/internal/log"
	"github.com/keithlinneman/mdxemit/internal/pathutil"
)

const DefaultFilePerm fs.FileMode = 0o644

// Mode selects what happens when a target file already exists.
type Mode string

const (
	// ModeOverwrite truncates existing files. Reruns replace prior output.
	ModeOverwrite Mode = "overwrite"
	// ModeFailIfExists refuses to touch a file that is already there.
	ModeFailIfExists Mode = "fail-if-exists"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeOverwrite:
		return ModeOverwrite, nil
	case ModeFailIfExists:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (valid modes are %s|%s)", s, ModeOverwrite, ModeFailIfExists)
	}
}

func (m Mode) openFlags() int {
	if m == ModeFailIfExists {
		return os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	return os.O_CREATE | os.O_WRONLY | os.O_TRUNC
}

// Result describes one written file.
type Result struct {
	Name string
	Path string
	// Bytes is the on-disk size after the write.
	Bytes  int64
	Lines  int
	SHA256 string
}

// Reporter receives one call per file, after it has been written and closed.
type Reporter interface {
	Report(ctx context.Context, r Result) error
}

// Metrics observes a run. *metrics.RunMetrics satisfies it.
type Metrics interface {
	ObserveFileWritten(bytes int64)
	IncWriteError(op string)
	ObserveEmitDuration(d time.Duration)
}

type Config struct {
	BaseDir string
	Entries []content.Entry
	Mode    Mode
	// FilePerm defaults to DefaultFilePerm.
	FilePerm fs.FileMode

	// Reporter defaults to a LineReporter on os.Stdout.
	Reporter Reporter
	Metrics  Metrics
	Logger   log.Logger
	// Tracer defaults to the global provider's "mdxemit/emitter" tracer.
	Tracer trace.Tracer
}

// Error is returned for any failed filesystem operation. Op is one of
// "stat", "open", "write", "close", "report"; Name and Path are empty when
// the failure concerns the base directory itself.
type Error struct {
	Op   string
	Name string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("emit: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("emit %s: %s %s: %v", e.Name, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrNoBaseDir = errors.New("base directory not set")
	ErrNoEntries = errors.New("no entries to write")
	ErrNotDir    = errors.New("not a directory")
)

// CountLines returns the number of "\n"-separated segments in s. A trailing
// newline yields an empty final segment, so "a\n" counts as 2.
func CountLines(s string) int { return strings.Count(s, "\n") + 1 }

// Emit writes every entry of cfg to cfg.BaseDir in order and returns the
// results for the files it wrote. On failure the results so far are returned
// alongside the error.
func Emit(ctx context.Context, cfg Config) (results []Result, err error) {
	cfg = withDefaults(cfg)
	L := cfg.Logger

	ctx, span := cfg.Tracer.Start(ctx, "emitter.Emit", trace.WithAttributes(
		attribute.String("emit.base_dir", cfg.BaseDir),
		attribute.Int("emit.entries", len(cfg.Entries)),
		attribute.String("emit.mode", string(cfg.Mode)),
	))
	start := time.Now()
	defer func() {
		if cfg.Metrics != nil {
			cfg.Metrics.ObserveEmitDuration(time.Since(start))
		}
		span.SetAttributes(attribute.Int("emit.written", len(results)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := preflight(cfg); err != nil {
		var ee *Error
		if errors.As(err, &ee) && cfg.Metrics != nil {
			cfg.Metrics.IncWriteError(ee.Op)
		}
		return nil, err
	}

	results = make([]Result, 0, len(cfg.Entries))
	for i, e := range cfg.Entries {
		if err := ctx.Err(); err != nil {
			L.Warn(ctx, "emit canceled", "written", len(results), "remaining", len(cfg.Entries)-i)
			return results, err
		}
		r, err := writeEntry(ctx, cfg, e)
		if err != nil {
			if cfg.Metrics != nil {
				var ee *Error
				if errors.As(err, &ee) {
					cfg.Metrics.IncWriteError(ee.Op)
				}
			}
			return results, err
		}
		results = append(results, r)
		if cfg.Metrics != nil {
			cfg.Metrics.ObserveFileWritten(r.Bytes)
		}
		L.Debug(ctx, "entry written", "name", r.Name, "path", r.Path, "bytes", r.Bytes, "sha256", r.SHA256)
	}
	return results, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Mode == "" {
		cfg.Mode = ModeOverwrite
	}
	if cfg.FilePerm == 0 {
		cfg.FilePerm = DefaultFilePerm
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NewLineReporter(os.Stdout)
	}
	cfg.Logger = log.OrNop(cfg.Logger)
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("mdxemit/emitter")
	}
	return cfg
}

// preflight rejects a run before anything touches the filesystem.
func preflight(cfg Config) error {
	if cfg.BaseDir == "" {
		return ErrNoBaseDir
	}
	if len(cfg.Entries) == 0 {
		return ErrNoEntries
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return err
	}
	if err := content.Validate(content.Catalog{Entries: cfg.Entries}, content.ValidationOptions{AllowEmptyContent: true}); err != nil {
		return err
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return &Error{Op: "stat", Path: cfg.BaseDir, Err: err}
	}
	if !info.IsDir() {
		return &Error{Op: "stat", Path: cfg.BaseDir, Err: ErrNotDir}
	}
	return nil
}

func writeEntry(ctx context.Context, cfg Config, e content.Entry) (res Result, err error) {
	path := filepath.Join(cfg.BaseDir, e.Name)

	ctx, span := cfg.Tracer.Start(ctx, "emitter.write", trace.WithAttributes(
		attribute.String("emit.name", e.Name),
		attribute.Int("emit.content_bytes", len(e.Content)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int64("emit.bytes", res.Bytes))
		}
		span.End()
	}()

	// the joined path must land directly in the base directory
	if filepath.Dir(path) != filepath.Clean(cfg.BaseDir) {
		return Result{}, &Error{Op: "open", Name: e.Name, Path: path, Err: pathutil.ErrNotBaseName}
	}

	if err := writeFile(path, e.Content, cfg.Mode.openFlags(), cfg.FilePerm); err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			ee.Name = e.Name
		}
		return Result{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, &Error{Op: "stat", Name: e.Name, Path: path, Err: err}
	}

	res = Result{
		Name:   e.Name,
		Path:   path,
		Bytes:  info.Size(),
		Lines:  CountLines(e.Content),
		SHA256: cryptoutil.SHA256Hex([]byte(e.Content)),
	}
	if err := cfg.Reporter.Report(ctx, res); err != nil {
		return res, &Error{Op: "report", Name: e.Name, Path: path, Err: err}
	}
	return res, nil
}

// writeFile opens path with flag, writes data and closes it. The close error
// is returned when the write itself succeeded.
func writeFile(path, data string, flag int, perm fs.FileMode) (err error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return &Error{Op: "open", Path: path, Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = &Error{Op: "close", Path: path, Err: cerr}
		}
	}()

	if _, err := io.WriteString(f, data); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	return nil
}
