// Package metrics owns the Prometheus registry. Labels are restricted to
// bounded values: method, chi route pattern, status and package id.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/version"
)

const namespace = "capsium"

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// packages
	packagesLoaded    prometheus.Gauge
	packageValid      *prometheus.GaugeVec
	packageRequests   *prometheus.CounterVec
	fileCacheTotal    *prometheus.CounterVec
	contentSource     *prometheus.GaugeVec
	contentLoadedTs   prometheus.Gauge
	contentRelease    *prometheus.GaugeVec
	signatureFailures prometheus.Counter

	// watcher
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	reloadDuration       prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry with the Go and process collectors and the
// reactor's own metrics.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total requests rejected because the limiter's visitor table was full",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),

		packagesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packages_loaded",
			Help:      "Number of packages in the active snapshot",
		}),
		packageValid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "package_valid",
			Help:      "Whether each loaded package passed content validation (1) or not (0)",
		}, []string{"package"}),
		packageRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_requests_total",
			Help:      "Requests resolved to a package, by package and status class",
		}, []string{"package", "code"}),
		fileCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_cache_requests_total",
			Help:      "File body cache lookups by result",
		}, []string{"result"}),
		contentSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_source_info",
			Help:      "Where the active packages came from (label carries value, gauge is always 1)",
		}, []string{"source"}),
		contentLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_loaded_timestamp_seconds",
			Help:      "Unix timestamp of when the active snapshot was loaded",
		}),
		contentRelease: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "content_release_info",
			Help:      "Active remote release id (label carries value, gauge is always 1)",
		}, []string{"release"}),
		signatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_signature_failures_total",
			Help:      "Archives rejected because their signature did not verify",
		}),

		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_polls_total",
			Help:      "Total number of remote release polls",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_swaps_total",
			Help:      "Total number of successful snapshot swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_errors_total",
			Help:      "Total watcher errors by type",
		}, []string{"type"}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reload_duration_seconds",
			Help:      "Time to sync, extract, hash and validate packages for one reload",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watcher_last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last successful remote poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watcher_stale",
			Help:      "Whether remote polling has failed past the stale threshold (1) or not (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.buildInfo,
		m.profilingActive,
		m.packagesLoaded,
		m.packageValid,
		m.packageRequests,
		m.fileCacheTotal,
		m.contentSource,
		m.contentLoadedTs,
		m.contentRelease,
		m.signatureFailures,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.reloadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
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

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// IncPackageRequest counts a request resolved through a package mount.
// Status is bucketed to its class so the series stay bounded.
func (m *ServerMetrics) IncPackageRequest(pkg string, status int) {
	m.packageRequests.WithLabelValues(pkg, strconv.Itoa(status/100)+"xx").Inc()
}

// IncFileCache records a file cache lookup: "hit" or "miss".
func (m *ServerMetrics) IncFileCache(result string) {
	m.fileCacheTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncSignatureFailure() {
	m.signatureFailures.Inc()
}

// ObservePackages replaces the per-package gauges with pkgs. Packages that
// were removed by a reload disappear from the series.
func (m *ServerMetrics) ObservePackages(pkgs []*capsule.Package) {
	m.packagesLoaded.Set(float64(len(pkgs)))
	m.packageValid.Reset()
	for _, p := range pkgs {
		m.packageValid.WithLabelValues(p.ID).Set(boolGauge(p.Validity.Valid))
	}
}

func (m *ServerMetrics) SetContentSource(source string) {
	m.contentSource.Reset()
	m.contentSource.WithLabelValues(source).Set(1)
}

func (m *ServerMetrics) SetContentLoadedTimestamp(t time.Time) {
	m.contentLoadedTs.Set(float64(t.Unix()))
}

// SetContentRelease records the active remote release; "" clears it.
func (m *ServerMetrics) SetContentRelease(release string) {
	m.contentRelease.Reset()
	if release != "" {
		m.contentRelease.WithLabelValues(release).Set(1)
	}
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveReloadDuration(seconds float64) {
	m.reloadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
