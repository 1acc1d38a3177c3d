package emitter

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/mdxemit/internal/content"
)

// fakeMetrics records what Emit observed.
type fakeMetrics struct {
	files     int
	bytes     int64
	errOps    []string
	durations int
}

func (m *fakeMetrics) ObserveFileWritten(b int64)        { m.files++; m.bytes += b }
func (m *fakeMetrics) IncWriteError(op string)           { m.errOps = append(m.errOps, op) }
func (m *fakeMetrics) ObserveEmitDuration(time.Duration) { m.durations++ }

func entries(kv ...string) []content.Entry {
	out := make([]content.Entry, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, content.Entry{Name: kv[i], Content: kv[i+1]})
	}
	return out
}

// run emits into dir and captures the report output.
func run(t *testing.T, ctx context.Context, cfg Config) ([]Result, string, error) {
	t.Helper()
	var out bytes.Buffer
	if cfg.Reporter == nil {
		cfg.Reporter = NewLineReporter(&out)
	}
	res, err := Emit(ctx, cfg)
	return res, out.String(), err
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func assertAbsent(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("%s should not exist, stat err = %v", path, err)
	}
}

// Emit: success paths

func TestEmit_SingleEntry(t *testing.T) {
	dir := t.TempDir()
	res, out, err := run(t, t.Context(), Config{BaseDir: dir, Entries: entries("a.mdx", "hello")})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "a.mdx")); got != "hello" {
		t.Fatalf("content = %q, want hello", got)
	}
	if out != "Wrote a.mdx: 5 bytes, 1 lines\n" {
		t.Fatalf("report = %q", out)
	}
	if len(res) != 1 || res[0].Bytes != 5 || res[0].Name != "a.mdx" {
		t.Fatalf("results = %+v", res)
	}
	if res[0].Path != filepath.Join(dir, "a.mdx") {
		t.Errorf("Path = %q", res[0].Path)
	}
	if res[0].SHA256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("SHA256 = %q", res[0].SHA256)
	}
}

func TestEmit_ReportsOnDiskBytesForMultibyte(t *testing.T) {
	dir := t.TempDir()
	res, out, err := run(t, t.Context(), Config{BaseDir: dir, Entries: entries("h.mdx", "héllo")})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if res[0].Bytes != 6 {
		t.Fatalf("Bytes = %d, want 6", res[0].Bytes)
	}
	if !strings.Contains(out, "h.mdx: 6 bytes") {
		t.Fatalf("report = %q", out)
	}
}

func TestEmit_MultipleEntriesInOrder(t *testing.T) {
	dir := t.TempDir()
	cat := entries(
		"z.mdx", "---\ntitle: \"Z\"\n---\nzed\n",
		"a.mdx", "plain",
		"empty.mdx", "",
	)
	res, out, err := run(t, t.Context(), Config{BaseDir: dir, Entries: cat})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	wantLines := []string{
		"Wrote z.mdx: 23 bytes, 5 lines",
		"Wrote a.mdx: 5 bytes, 1 lines",
		"Wrote empty.mdx: 0 bytes, 1 lines",
	}
	gotLines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(gotLines) != len(wantLines) {
		t.Fatalf("report lines = %q", gotLines)
	}
	for i := range wantLines {
		if gotLines[i] != wantLines[i] {
			t.Errorf("line %d = %q, want %q", i, gotLines[i], wantLines[i])
		}
	}
	for i, e := range cat {
		if res[i].Name != e.Name {
			t.Errorf("result %d = %s, want %s", i, res[i].Name, e.Name)
		}
		if got := readFile(t, filepath.Join(dir, e.Name)); got != e.Content {
			t.Errorf("%s content = %q, want %q", e.Name, got, e.Content)
		}
	}
}

func TestEmit_Idempotent(t *testing.T) {
	dir := t.TempDir()
	cat := entries("a.mdx", "one", "b.mdx", "two\n")

	_, out1, err := run(t, t.Context(), Config{BaseDir: dir, Entries: cat})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, out2, err := run(t, t.Context(), Config{BaseDir: dir, Entries: cat})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out1 != out2 {
		t.Fatalf("reports differ:\n%s\n%s", out1, out2)
	}
	for _, e := range cat {
		if got := readFile(t, filepath.Join(dir, e.Name)); got != e.Content {
			t.Errorf("%s = %q after rerun", e.Name, got)
		}
	}
}

func TestEmit_OverwriteTruncatesLongerFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.mdx")
	if err := os.WriteFile(p, []byte("a much longer previous body"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, _, err := run(t, t.Context(), Config{BaseDir: dir, Entries: entries("a.mdx", "new")})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := readFile(t, p); got != "new" {
		t.Fatalf("content = %q, want new", got)
	}
	if res[0].Bytes != 3 {
		t.Fatalf("Bytes = %d, want 3", res[0].Bytes)
	}
}

func TestEmit_LeavesUnlistedFilesAlone(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.mdx")
	if err := os.WriteFile(other, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := run(t, t.Context(), Config{BaseDir: dir, Entries: entries("a.mdx", "x")}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := readFile(t, other); got != "keep" {
		t.Fatalf("unlisted file changed: %q", got)
	}
}

func TestEmit_FilePerm(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := t.TempDir()
	if _, _, err := run(t, t.Context(), Config{BaseDir: dir, Entries: entries("a.mdx", "x"), FilePerm: 0o600}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "a.mdx"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", info.Mode().Perm())
	}
}

// Emit: failures

func TestEmit_MissingBaseDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	m := &fakeMetrics{}
	res, out, err := run(t, t.Context(), Config{BaseDir: dir, Entries: entries("a.mdx", "x"), Metrics: m})
	if err == nil {
		t.Fatal("expected error for missing base dir")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("error should match fs.ErrNotExist: %v", err)
	}
	var ee *Error
	if !errors.As(err, &ee) || ee.Op != "stat" || ee.Name != "" {
		t.Fatalf("error = %#v", err)
	}
	if len(res) != 0 || out != "" {
		t.Fatalf("nothing should be reported: res=%v out=%q", res, out)
	}
	assertAbsent(t, dir)
	if len(m.errOps) != 1 || m.errOps[0] != "stat" {
		t.Fatalf("metrics error ops = %v", m.errOps)
	}
}

func TestEmit_BaseDirIsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := run(t, t.Context(), Config{BaseDir: f, Entries: entries("a.mdx", "x")})
	if !errors.Is(err, ErrNotDir) {
		t.Fatalf("err = %v, want ErrNotDir", err)
	}
}

func TestEmit_PreflightRejections(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"no base dir", Config{Entries: entries("a.mdx", "x")}, "base directory not set"},
		{"no entries", Config{BaseDir: dir}, "no entries"},
		{"bad mode", Config{BaseDir: dir, Entries: entries("a.mdx", "x"), Mode: "append"}, "unknown mode"},
		{"traversal", Config{BaseDir: dir, Entries: entries("../a.mdx", "x")}, "invalid entry name"},
		{"subdir", Config{BaseDir: dir, Entries: entries("sub/a.mdx", "x")}, "invalid entry name"},
		{"empty name", Config{BaseDir: dir, Entries: entries("", "x")}, "invalid entry name"},
		{"duplicate", Config{BaseDir: dir, Entries: entries("a.mdx", "1", "a.mdx", "2")}, "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, out, err := run(t, t.Context(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if len(res) != 0 || out != "" {
				t.Fatalf("nothing should be written: res=%v out=%q", res, out)
			}
		})
	}
	entriesLeft, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entriesLeft) != 0 {
		t.Fatalf("base dir should be empty, has %d entries", len(entriesLeft))
	}
}

func TestEmit_FailIfExists(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.mdx")
	if err := os.WriteFile(p, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, out, err := run(t, t.Context(), Config{
		BaseDir: dir,
		Entries: entries("a.mdx", "replacement"),
		Mode:    ModeFailIfExists,
	})
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("err = %v, want fs.ErrExist", err)
	}
	var ee *Error
	if !errors.As(err, &ee) || ee.Op != "open" || ee.Name != "a.mdx" || ee.Path != p {
		t.Fatalf("error = %#v", err)
	}
	if len(res) != 0 || out != "" {
		t.Fatalf("res=%v out=%q", res, out)
	}
	if got := readFile(t, p); got != "original" {
		t.Fatalf("existing file modified: %q", got)
	}
}

func TestEmit_FailIfExists_NewFiles(t *testing.T) {
	dir := t.TempDir()
	_, _, err := run(t, t.Context(), Config{BaseDir: dir, Entries: entries("a.mdx", "x"), Mode: ModeFailIfExists})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "a.mdx")); got != "x" {
		t.Fatalf("content = %q", got)
	}
}

func TestEmit_StopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	// a directory where b.mdx should go makes its open fail
	if err := os.Mkdir(filepath.Join(dir, "b.mdx"), 0o755); err != nil {
		t.Fatal(err)
	}
	m := &fakeMetrics{}

	res, out, err := run(t, t.Context(), Config{
		BaseDir: dir,
		Entries: entries("a.mdx", "A", "b.mdx", "B", "c.mdx", "C"),
		Metrics: m,
	})
	if err == nil {
		t.Fatal("expected failure on b.mdx")
	}
	var ee *Error
	if !errors.As(err, &ee) || ee.Name != "b.mdx" || ee.Op != "open" {
		t.Fatalf("error = %#v", err)
	}
	if len(res) != 1 || res[0].Name != "a.mdx" {
		t.Fatalf("results = %+v", res)
	}
	if out != "Wrote a.mdx: 1 bytes, 1 lines\n" {
		t.Fatalf("report = %q", out)
	}
	if got := readFile(t, filepath.Join(dir, "a.mdx")); got != "A" {
		t.Fatalf("a.mdx = %q", got)
	}
	assertAbsent(t, filepath.Join(dir, "c.mdx"))

	if m.files != 1 || m.bytes != 1 {
		t.Errorf("metrics files=%d bytes=%d", m.files, m.bytes)
	}
	if len(m.errOps) != 1 || m.errOps[0] != "open" {
		t.Errorf("metrics error ops = %v", m.errOps)
	}
	if m.durations != 1 {
		t.Errorf("duration observed %d times", m.durations)
	}
}

func TestEmit_ReporterError(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("stdout closed")
	res, err := Emit(t.Context(), Config{
		BaseDir:  dir,
		Entries:  entries("a.mdx", "x", "b.mdx", "y"),
		Reporter: ReporterFunc(func(context.Context, Result) error { return boom }),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want reporter error", err)
	}
	var ee *Error
	if !errors.As(err, &ee) || ee.Op != "report" {
		t.Fatalf("error = %#v", err)
	}
	if len(res) != 0 {
		t.Fatalf("unreported entry should not count as a result: %+v", res)
	}
	assertAbsent(t, filepath.Join(dir, "b.mdx"))
}

func TestEmit_ContextCanceledBetweenEntries(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var reported []string
	res, err := Emit(ctx, Config{
		BaseDir: dir,
		Entries: entries("a.mdx", "A", "b.mdx", "B"),
		Reporter: ReporterFunc(func(_ context.Context, r Result) error {
			reported = append(reported, r.Name)
			cancel()
			return nil
		}),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(res) != 1 || len(reported) != 1 || reported[0] != "a.mdx" {
		t.Fatalf("res=%v reported=%v", res, reported)
	}
	assertAbsent(t, filepath.Join(dir, "b.mdx"))
}

// Tracing

func TestEmit_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	dir := t.TempDir()
	_, _, err := run(t, t.Context(), Config{
		BaseDir: dir,
		Entries: entries("a.mdx", "A", "b.mdx", "B"),
		Tracer:  tp.Tracer("test"),
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	ended := sr.Ended()
	if len(ended) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(ended))
	}
	root := ended[len(ended)-1]
	if root.Name() != "emitter.Emit" {
		t.Fatalf("last span = %s, want emitter.Emit", root.Name())
	}
	for _, s := range ended[:2] {
		if s.Name() != "emitter.write" {
			t.Errorf("span = %s, want emitter.write", s.Name())
		}
		if s.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Errorf("write span not parented under emitter.Emit")
		}
	}
}

func TestEmit_SpanRecordsFailure(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, _, err := run(t, t.Context(), Config{
		BaseDir: filepath.Join(t.TempDir(), "missing"),
		Entries: entries("a.mdx", "A"),
		Tracer:  tp.Tracer("test"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	ended := sr.Ended()
	if len(ended) != 1 || ended[0].Status().Code != codes.Error {
		t.Fatalf("spans = %d, status = %v", len(ended), ended[0].Status())
	}
}

// helpers

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeOverwrite, false},
		{"overwrite", ModeOverwrite, false},
		{" Overwrite ", ModeOverwrite, false},
		{"fail-if-exists", ModeFailIfExists, false},
		{"FAIL-IF-EXISTS", ModeFailIfExists, false},
		{"skip-if-identical", "", true},
		{"append", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 1},
		{"hello", 1},
		{"a\n", 2},
		{"a\nb", 2},
		{"---\ntitle: x\n---\n", 4},
	}
	for _, tt := range tests {
		if got := CountLines(tt.in); got != tt.want {
			t.Errorf("CountLines(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestError_Message(t *testing.T) {
	e := &Error{Op: "open", Name: "a.mdx", Path: "/x/a.mdx", Err: fs.ErrPermission}
	if got := e.Error(); got != "emit a.mdx: open /x/a.mdx: permission denied" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(e, fs.ErrPermission) {
		t.Fatal("should unwrap to fs.ErrPermission")
	}
	base := &Error{Op: "stat", Path: "/missing", Err: fs.ErrNotExist}
	if got := base.Error(); got != "emit: stat /missing: file does not exist" {
		t.Fatalf("Error() = %q", got)
	}
}
