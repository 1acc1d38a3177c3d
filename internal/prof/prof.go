// Package prof starts optional Pyroscope continuous profiling for a run.
package prof

import (
	"context"
	"net/url"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/mdxemit/internal/log"
	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

// DefaultUploadRate is shorter than the agent default since a run lasts
// seconds, not hours.
const DefaultUploadRate = 5 * time.Second

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string
	UploadRate    time.Duration

	// Mutex and block profiles are collected only when these are set.
	ProfileMutexFraction int
	BlockProfileRate     int
}

// ProfileTypes returns what will be collected for opts.
func ProfileTypes(opts Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

func validate(opts Options) error {
	if opts.ServerAddress == "" {
		return xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
	}
	u, err := url.Parse(opts.ServerAddress)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return xerrors.Newf("invalid server address (%q): want scheme://host[:port]", opts.ServerAddress)
	}
	if opts.AppName == "" {
		return xerrors.New("pyroscope app name is empty")
	}
	return nil
}

// Start begins profiling when enabled. The returned stop func flushes the
// last upload; it is always non-nil and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Debug(ctx, "pyroscope disabled")
		return noop, nil
	}
	if err := validate(opts); err != nil {
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}
	rate := opts.UploadRate
	if rate <= 0 {
		rate = DefaultUploadRate
	}

	cfg := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		UploadRate:      rate,
		ProfileTypes:    ProfileTypes(opts),
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		err = xerrors.Wrap(err, "pyroscope start")
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		return noop, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
		"upload_rate", rate,
	)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "err", err)
			return
		}
		L.Debug(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
	}, nil
}
