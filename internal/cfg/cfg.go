package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/keithlinneman/mdxemit/internal/emitter"
	"github.com/keithlinneman/mdxemit/internal/log"
)

// EnvPrefix is prepended to upper-snake flag names when reading the environment.
const EnvPrefix = "MDXEMIT_"

type App struct {
	BaseDir         string
	CatalogFile     string
	Mode            string
	DryRun          bool
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	IncludeErrorLinks bool
	MaxErrorLinks     int

	MetricsTextfile string

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	PublishS3Bucket      string
	PublishS3Prefix      string
	PublishSSMParam      string
	PublishSigningKeyARN string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.BaseDir, "base-dir", "", "existing directory to write content files into (required)")
	fs.StringVar(&c.CatalogFile, "catalog", "", "YAML catalog file; empty uses the built-in catalog")
	fs.StringVar(&c.Mode, "mode", string(emitter.ModeOverwrite), "overwrite|fail-if-exists")
	fs.BoolVar(&c.DryRun, "dry-run", false, "run preflight checks and print what would be written, without writing")
	fs.BoolVar(&c.LogJSON, "log-json", false, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "write prometheus metrics to this file after the run (node_exporter textfile collector)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.PublishS3Bucket, "publish-s3-bucket", "", "s3 bucket to publish the content bundle to; empty disables publishing")
	fs.StringVar(&c.PublishS3Prefix, "publish-s3-prefix", "", "s3 prefix (key) for published bundles")
	fs.StringVar(&c.PublishSSMParam, "publish-ssm-param", "", "ssm parameter to point at the published bundle hash")
	fs.StringVar(&c.PublishSigningKeyARN, "publish-signing-key-arn", "", "KMS key ARN used to sign published bundles")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// EnvKey returns the environment variable consulted for flag name.
func EnvKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// PublishEnabled reports whether a publish target is configured.
func (c App) PublishEnabled() bool { return c.PublishS3Bucket != "" }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
// Only the shape of values is checked; whether BASE_DIR exists is the
// emitter's concern.
func Validate(c App) error {
	var errs []error

	if strings.TrimSpace(c.BaseDir) == "" {
		errs = append(errs, fmt.Errorf("BASE_DIR is required"))
	} else if strings.HasPrefix(c.BaseDir, "~") {
		errs = append(errs, fmt.Errorf("BASE_DIR %q: ~ is not expanded, use an absolute or relative path", c.BaseDir))
	}

	if _, err := emitter.ParseMode(c.Mode); err != nil {
		errs = append(errs, fmt.Errorf("invalid MODE %q: %w", c.Mode, err))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	// Publishing needs a bucket before any of its other settings mean anything
	if !c.PublishEnabled() {
		if c.PublishSSMParam != "" || c.PublishSigningKeyARN != "" || c.PublishS3Prefix != "" {
			errs = append(errs, fmt.Errorf("PUBLISH_S3_BUCKET required when other PUBLISH_* settings are set"))
		}
	} else if strings.HasPrefix(c.PublishS3Prefix, "/") || strings.HasSuffix(c.PublishS3Prefix, "/") {
		errs = append(errs, fmt.Errorf("PUBLISH_S3_PREFIX must not start or end with / (got %q)", c.PublishS3Prefix))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
