// Package metrics holds the Prometheus metrics for one run. There is no
// scrape endpoint; the registry is written once, at exit, to a file picked
// up by node-exporter's textfile collector.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keithlinneman/mdxemit/internal/version"
	"github.com/keithlinneman/mdxemit/internal/xerrors"
)

const namespace = "mdxemit"

type RunMetrics struct {
	reg *prometheus.Registry

	filesWritten   prometheus.Counter
	bytesWritten   prometheus.Counter
	fileSize       prometheus.Histogram
	writeErrors    *prometheus.CounterVec
	emitDuration   prometheus.Histogram
	lastRunSuccess prometheus.Gauge
	lastRunTs      prometheus.Gauge
	lastSuccessTs  prometheus.Gauge
	catalogEntries prometheus.Gauge
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// publish
	publishTotal    *prometheus.CounterVec
	publishDuration prometheus.Histogram
	bundleInfo      *prometheus.GaugeVec
	bundleBytes     prometheus.Gauge
}

// New returns metrics on a fresh registry. Go and process collectors are
// left out: node-exporter already exports its own go_* and process_*
// series and textfile metrics must not collide with them.
func New() *RunMetrics {
	reg := prometheus.NewRegistry()

	m := &RunMetrics{
		filesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_written_total",
			Help:      "Total files written by the emitter",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total bytes on disk across written files",
		}),
		fileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_size_bytes",
			Help:      "On-disk size of each written file",
			Buckets:   []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Filesystem failures by operation (stat, open, write, close, report)",
		}, []string{"op"}),
		emitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "emit_duration_seconds",
			Help:      "Wall time of the emit phase",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "Whether the last run succeeded (1) or failed (0)",
		}),
		lastRunTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix timestamp of the last run",
		}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last successful run",
		}),
		catalogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_entries",
			Help:      "Number of entries in the catalog of the last run",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profiling_active",
			Help:      "Whether continuous profiling was active (1) or disabled/failed (0)",
		}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Bundle publish attempts by result",
		}, []string{"result"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time to bundle, upload, sign and point the release parameter",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		bundleInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_info",
			Help:      "Last published content bundle (label carries identity, value is always 1)",
		}, []string{"sha256"}),
		bundleBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_size_bytes",
			Help:      "Compressed size of the last published bundle",
		}),
	}
	reg.MustRegister(
		m.filesWritten,
		m.bytesWritten,
		m.fileSize,
		m.writeErrors,
		m.emitDuration,
		m.lastRunSuccess,
		m.lastRunTs,
		m.lastSuccessTs,
		m.catalogEntries,
		m.buildInfo,
		m.profilingActive,
		m.publishTotal,
		m.publishDuration,
		m.bundleInfo,
		m.bundleBytes,
	)
	m.reg = reg
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *RunMetrics) Registry() *prometheus.Registry { return m.reg }

// WriteTextfile writes every metric in the text exposition format. The
// file is written to a temp name and renamed, so a collector never reads
// a partial file.
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return xerrors.Wrapf(err, "write metrics textfile %s", path)
	}
	return nil
}

// set once at startup.
func (m *RunMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *RunMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *RunMetrics) SetCatalogEntries(n int) {
	m.catalogEntries.Set(float64(n))
}

// emitter hooks

func (m *RunMetrics) ObserveFileWritten(bytes int64) {
	m.filesWritten.Inc()
	m.bytesWritten.Add(float64(bytes))
	m.fileSize.Observe(float64(bytes))
}

func (m *RunMetrics) IncWriteError(op string) {
	m.writeErrors.WithLabelValues(op).Inc()
}

func (m *RunMetrics) ObserveEmitDuration(d time.Duration) {
	m.emitDuration.Observe(d.Seconds())
}

// publish hooks

func (m *RunMetrics) ObservePublish(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.publishTotal.WithLabelValues(result).Inc()
	m.publishDuration.Observe(d.Seconds())
}

func (m *RunMetrics) SetBundle(sha256 string, size int) {
	m.bundleInfo.Reset()
	m.bundleInfo.WithLabelValues(sha256).Set(1)
	m.bundleBytes.Set(float64(size))
}

// SetRunResult records the outcome of the whole run at t.
func (m *RunMetrics) SetRunResult(success bool, t time.Time) {
	m.lastRunTs.Set(float64(t.Unix()))
	if success {
		m.lastRunSuccess.Set(1)
		m.lastSuccessTs.Set(float64(t.Unix()))
	} else {
		m.lastRunSuccess.Set(0)
	}
}
