package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keithlinneman/mdxemit/internal/content"
	"github.com/keithlinneman/mdxemit/internal/publish"
)

type runResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) runResult {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(t.Context(), args, &out, &errOut)
	return runResult{code: code, stdout: out.String(), stderr: errOut.String()}
}

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const twoEntryCatalog = `entries:
  - name: a.mdx
    content: hello
  - name: h.mdx
    content: héllo
`

func TestRun_BuiltinCatalog(t *testing.T) {
	dir := t.TempDir()
	res := runCLI(t, "-base-dir", dir)
	if res.code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	if res.stdout != "Wrote simple-vs-multiple-regression.mdx: 499 bytes, 18 lines\n" {
		t.Fatalf("stdout = %q", res.stdout)
	}

	want := content.Builtin().Entries[0]
	got, err := os.ReadFile(filepath.Join(dir, want.Name))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want.Content {
		t.Fatal("written file differs from the built-in content")
	}
}

func TestRun_YAMLCatalog(t *testing.T) {
	dir := t.TempDir()
	res := runCLI(t, "-base-dir", dir, "-catalog", writeCatalog(t, twoEntryCatalog))
	if res.code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	want := "Wrote a.mdx: 5 bytes, 1 lines\nWrote h.mdx: 6 bytes, 1 lines\n"
	if res.stdout != want {
		t.Fatalf("stdout = %q, want %q", res.stdout, want)
	}
}

func TestRun_LogsStayOffStdout(t *testing.T) {
	dir := t.TempDir()
	res := runCLI(t, "-base-dir", dir, "-log-level", "debug", "-log-json")
	if res.code != exitOK {
		t.Fatalf("exit = %d", res.code)
	}
	for _, line := range strings.Split(strings.TrimSpace(res.stdout), "\n") {
		if !strings.HasPrefix(line, "Wrote ") {
			t.Fatalf("unexpected stdout line %q", line)
		}
	}
	if !strings.Contains(res.stderr, `"msg":"catalog loaded"`) {
		t.Fatalf("stderr should carry JSON logs:\n%s", res.stderr)
	}
}

func TestRun_BaseDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MDXEMIT_BASE_DIR", dir)
	res := runCLI(t, "-catalog", writeCatalog(t, twoEntryCatalog))
	if res.code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.mdx")); err != nil {
		t.Fatalf("a.mdx not written: %v", err)
	}
}

func TestRun_Failures(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	tests := []struct {
		name       string
		args       []string
		wantStderr string
	}{
		{"no base dir", nil, "config error"},
		{"bad mode", []string{"-base-dir", t.TempDir(), "-mode", "append"}, "config error"},
		{"missing base dir", []string{"-base-dir", missing}, "run failed"},
		{"missing catalog", []string{"-base-dir", t.TempDir(), "-catalog", filepath.Join(t.TempDir(), "nope.yaml")}, "open catalog"},
		{"bad catalog", []string{"-base-dir", t.TempDir(), "-catalog", writeCatalog(t, "entries:\n  - name: ../x.mdx\n    content: x\n")}, "invalid entry name"},
		{"unknown flag", []string{"-no-such-flag"}, "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runCLI(t, tt.args...)
			if res.code != exitFail {
				t.Fatalf("exit = %d, want %d", res.code, exitFail)
			}
			if res.stdout != "" {
				t.Fatalf("nothing should be reported, stdout = %q", res.stdout)
			}
			if !strings.Contains(res.stderr, tt.wantStderr) {
				t.Fatalf("stderr missing %q:\n%s", tt.wantStderr, res.stderr)
			}
		})
	}
	if _, err := os.Stat(missing); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("base dir must never be created")
	}
}

func TestRun_Rerun(t *testing.T) {
	dir := t.TempDir()
	catalog := writeCatalog(t, twoEntryCatalog)

	first := runCLI(t, "-base-dir", dir, "-catalog", catalog)
	second := runCLI(t, "-base-dir", dir, "-catalog", catalog)
	if first.code != exitOK || second.code != exitOK {
		t.Fatalf("exits = %d, %d", first.code, second.code)
	}
	if first.stdout != second.stdout {
		t.Fatalf("reports differ: %q vs %q", first.stdout, second.stdout)
	}

	strict := runCLI(t, "-base-dir", dir, "-catalog", catalog, "-mode", "fail-if-exists")
	if strict.code != exitFail {
		t.Fatal("fail-if-exists should refuse existing files")
	}
	if !strings.Contains(strict.stderr, "file exists") {
		t.Fatalf("stderr:\n%s", strict.stderr)
	}
}

func TestRun_DryRun(t *testing.T) {
	dir := t.TempDir()
	calls := stubPublisher(t, &fakePublisher{})
	res := runCLI(t, "-base-dir", dir, "-catalog", writeCatalog(t, twoEntryCatalog), "-dry-run", "-publish-s3-bucket", "b")
	if res.code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	want := "Would write a.mdx: 5 bytes, 1 lines\nWould write h.mdx: 6 bytes, 1 lines\n"
	if res.stdout != want {
		t.Fatalf("stdout = %q, want %q", res.stdout, want)
	}
	left, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("dry run wrote %d entries", len(left))
	}
	if *calls != 0 {
		t.Fatal("dry run must not publish")
	}
}

func TestRun_DryRunFailIfExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "h.mdx"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := runCLI(t, "-base-dir", dir, "-catalog", writeCatalog(t, twoEntryCatalog), "-dry-run", "-mode", "fail-if-exists")
	if res.code != exitFail {
		t.Fatalf("exit = %d", res.code)
	}
	if res.stdout != "" || !strings.Contains(res.stderr, "h.mdx") {
		t.Fatalf("stdout = %q, stderr:\n%s", res.stdout, res.stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.mdx")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("dry run must not write")
	}
}

func TestRun_MetricsTextfile(t *testing.T) {
	dir := t.TempDir()
	prom := filepath.Join(t.TempDir(), "mdxemit.prom")
	res := runCLI(t, "-base-dir", dir, "-catalog", writeCatalog(t, twoEntryCatalog), "-metrics-textfile", prom)
	if res.code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	b, err := os.ReadFile(prom)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"mdxemit_files_written_total 2",
		"mdxemit_bytes_written_total 11",
		"mdxemit_catalog_entries 2",
		"mdxemit_last_run_success 1",
		`app="mdxemit"`,
		`component="cli"`,
	} {
		if !strings.Contains(string(b), want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}

func TestRun_MetricsTextfileOnFailure(t *testing.T) {
	prom := filepath.Join(t.TempDir(), "mdxemit.prom")
	res := runCLI(t, "-base-dir", filepath.Join(t.TempDir(), "missing"), "-metrics-textfile", prom)
	if res.code != exitFail {
		t.Fatalf("exit = %d", res.code)
	}
	b, err := os.ReadFile(prom)
	if err != nil {
		t.Fatalf("metrics should be written on failure too: %v", err)
	}
	for _, want := range []string{
		"mdxemit_last_run_success 0",
		`mdxemit_write_errors_total{op="stat"} 1`,
	} {
		if !strings.Contains(string(b), want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	res := runCLI(t, "-V")
	if res.code != exitOK {
		t.Fatalf("exit = %d", res.code)
	}
	if !strings.HasPrefix(res.stdout, "mdxemit ") {
		t.Fatalf("stdout = %q", res.stdout)
	}
}

// publishing

type fakePublisher struct {
	opts    publish.AWSOptions
	catalog content.Catalog
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, c content.Catalog) (publish.Release, error) {
	f.catalog = c
	if f.err != nil {
		return publish.Release{}, f.err
	}
	return publish.Release{SHA256: "abc", Bucket: f.opts.Bucket, BundleKey: "abc.tar.gz"}, nil
}

func stubPublisher(t *testing.T, fp *fakePublisher) *int {
	t.Helper()
	calls := 0
	saved := newPublisher
	newPublisher = func(_ context.Context, o publish.AWSOptions) (publisher, error) {
		calls++
		fp.opts = o
		return fp, nil
	}
	t.Cleanup(func() { newPublisher = saved })
	return &calls
}

func TestRun_PublishAfterEmit(t *testing.T) {
	fp := &fakePublisher{}
	calls := stubPublisher(t, fp)

	res := runCLI(t,
		"-base-dir", t.TempDir(),
		"-catalog", writeCatalog(t, twoEntryCatalog),
		"-publish-s3-bucket", "site-content",
		"-publish-s3-prefix", "bundles",
		"-publish-ssm-param", "/site/content/current",
		"-publish-signing-key-arn", "arn:aws:kms:us-east-2:000000000000:key/k",
	)
	if res.code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", res.code, res.stderr)
	}
	if *calls != 1 {
		t.Fatalf("publisher built %d times", *calls)
	}
	if fp.opts.Bucket != "site-content" || fp.opts.Prefix != "bundles" ||
		fp.opts.SSMParam != "/site/content/current" || fp.opts.SigningKeyARN == "" {
		t.Fatalf("options = %+v", fp.opts)
	}
	if got := fp.catalog.Names(); len(got) != 2 || got[0] != "a.mdx" {
		t.Fatalf("published catalog = %v", got)
	}
}

func TestRun_PublishSkippedWhenEmitFails(t *testing.T) {
	calls := stubPublisher(t, &fakePublisher{})
	res := runCLI(t,
		"-base-dir", filepath.Join(t.TempDir(), "missing"),
		"-publish-s3-bucket", "site-content",
	)
	if res.code != exitFail {
		t.Fatalf("exit = %d", res.code)
	}
	if *calls != 0 {
		t.Fatal("nothing should be published after a failed emit")
	}
}

func TestRun_PublishFailure(t *testing.T) {
	stubPublisher(t, &fakePublisher{err: errors.New("AccessDenied")})
	res := runCLI(t, "-base-dir", t.TempDir(), "-publish-s3-bucket", "site-content")
	if res.code != exitFail {
		t.Fatalf("exit = %d", res.code)
	}
	if !strings.Contains(res.stderr, "AccessDenied") {
		t.Fatalf("stderr:\n%s", res.stderr)
	}
	// files are still on disk and reported
	if !strings.HasPrefix(res.stdout, "Wrote ") {
		t.Fatalf("stdout = %q", res.stdout)
	}
}
