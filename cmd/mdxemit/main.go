package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/mdxemit/internal/cfg"
	"github.com/keithlinneman/mdxemit/internal/content"
	"github.com/keithlinneman/mdxemit/internal/emitter"
	"github.com/keithlinneman/mdxemit/internal/log"
	"github.com/keithlinneman/mdxemit/internal/metrics"
	"github.com/keithlinneman/mdxemit/internal/otelx"
	"github.com/keithlinneman/mdxemit/internal/preflight"
	"github.com/keithlinneman/mdxemit/internal/prof"
	"github.com/keithlinneman/mdxemit/internal/publish"
	v "github.com/keithlinneman/mdxemit/internal/version"
)

const (
	exitOK   = 0
	exitFail = 1
)

// publisher is what run needs from *publish.Publisher.
type publisher interface {
	Publish(ctx context.Context, c content.Catalog) (publish.Release, error)
}

// newPublisher is swapped in tests.
var newPublisher = func(ctx context.Context, o publish.AWSOptions) (publisher, error) {
	return publish.NewFromAWS(ctx, o)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	fs := flag.NewFlagSet(v.AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.Register(fs, &conf)
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitFail
	}

	if showVersion {
		fmt.Fprintln(stdout, vi.String())
		return exitOK
	}

	cfg.FillFromEnv(fs, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return exitFail
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	logOpts := log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		Writer:            stderr,
	}
	if conf.StacktraceLevel != "" {
		stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
		logOpts.StacktraceLevel = stackLvl
	}
	lg, err := log.New(logOpts)
	if err != nil {
		fmt.Fprintln(stderr, "logger init error:", err)
		return exitFail
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", v.Component)
	ctx = log.WithContext(ctx, L)

	L.Debug(ctx, "initializing",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"base_dir", conf.BaseDir,
		"catalog", conf.CatalogFile,
		"mode", conf.Mode,
		"metrics_textfile", conf.MetricsTextfile,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"publish_s3_bucket", conf.PublishS3Bucket,
		"publish_ssm_param", conf.PublishSSMParam,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, vi)

	// profiling and tracing are best effort; a broken collector does not
	// stop content from being written
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": v.Component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Insecure: the collector is expected on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: v.Component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownOTEL(context.Background()); err != nil {
			L.Warn(context.Background(), "otel shutdown", "err", err)
		}
	}()

	err = execute(ctx, conf, stdout, m)
	m.SetRunResult(err == nil, time.Now())

	if conf.MetricsTextfile != "" {
		if werr := m.WriteTextfile(conf.MetricsTextfile); werr != nil {
			L.Error(ctx, werr, "metrics textfile")
			if err == nil {
				return exitFail
			}
		}
	}

	if err != nil {
		L.Error(ctx, err, "run failed")
		return exitFail
	}
	return exitOK
}

// execute loads the catalog, writes it, then publishes it when configured.
func execute(ctx context.Context, conf cfg.App, stdout io.Writer, m *metrics.RunMetrics) error {
	L := log.FromContext(ctx)

	cat, source, err := loadCatalog(conf.CatalogFile)
	if err != nil {
		return err
	}
	m.SetCatalogEntries(cat.Len())
	L.Info(ctx, "catalog loaded", "source", source, "entries", cat.Len())

	// cfg.Validate already accepted the mode
	mode, _ := emitter.ParseMode(conf.Mode)
	if conf.DryRun {
		return dryRun(ctx, conf.BaseDir, cat, mode, stdout)
	}
	if err := content.Validate(cat, content.DefaultValidationOptions()); err != nil {
		return err
	}
	results, err := emitter.Emit(ctx, emitter.Config{
		BaseDir:  conf.BaseDir,
		Entries:  cat.Entries,
		Mode:     mode,
		Reporter: emitter.NewLineReporter(stdout),
		Metrics:  m,
		Logger:   L,
	})
	if err != nil {
		L.Warn(ctx, "emit stopped", "written", len(results), "total", cat.Len())
		return err
	}
	L.Info(ctx, "content written", "base_dir", conf.BaseDir, "files", len(results))

	if !conf.PublishEnabled() {
		return nil
	}
	p, err := newPublisher(ctx, publish.AWSOptions{
		Bucket:        conf.PublishS3Bucket,
		Prefix:        conf.PublishS3Prefix,
		SSMParam:      conf.PublishSSMParam,
		SigningKeyARN: conf.PublishSigningKeyARN,
		Logger:        L,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	rel, err := p.Publish(ctx, cat)
	if err != nil {
		return err
	}
	L.Info(ctx, "bundle published",
		"sha256", rel.SHA256,
		"bucket", rel.Bucket,
		"key", rel.BundleKey,
		"signed", rel.SignatureKey != "",
		"ssm_version", rel.SSMVersion,
	)
	return nil
}

// dryRun checks everything a real run depends on and prints the plan.
// Nothing under baseDir is left changed.
func dryRun(ctx context.Context, baseDir string, cat content.Catalog, mode emitter.Mode, stdout io.Writer) error {
	checks := []preflight.Check{
		preflight.Named("base dir", preflight.BaseDir(baseDir)),
		preflight.Named("catalog", preflight.Catalog(cat, content.DefaultValidationOptions())),
	}
	if mode == emitter.ModeFailIfExists {
		checks = append(checks, preflight.Named("targets", preflight.TargetsAbsent(baseDir, cat)))
	}
	if err := preflight.All(checks...).Run(ctx); err != nil {
		return err
	}
	for _, e := range cat.Entries {
		if _, err := fmt.Fprintf(stdout, "Would write %s: %d bytes, %d lines\n", e.Name, len(e.Content), emitter.CountLines(e.Content)); err != nil {
			return err
		}
	}
	log.FromContext(ctx).Info(ctx, "dry run passed", "base_dir", baseDir, "files", cat.Len())
	return nil
}

func loadCatalog(path string) (content.Catalog, string, error) {
	if path == "" {
		return content.Builtin(), "builtin", nil
	}
	c, err := content.LoadFile(path)
	if err != nil {
		return content.Catalog{}, "", err
	}
	return c, path, nil
}
