// Package metrics exposes Prometheus metrics for the pipeline.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink owns the Prometheus registry and every instrument the pipeline
// emits to. All methods are safe for concurrent use. A nil *Sink is a
// valid no-op sink so components never need to guard their calls.
type Sink struct {
	reg *prometheus.Registry

	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	cacheResults   *prometheus.CounterVec
	limiterWaits   prometheus.Counter
	limiterWaitSec prometheus.Counter

	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runCounts      *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec
	lastRunEndedAt *prometheus.GaugeVec

	consecutiveDegraded prometheus.Gauge

	scheduleOverlaps *prometheus.CounterVec
	scheduleGaps     *prometheus.CounterVec

	geocodeTotal *prometheus.CounterVec
	enrichTotal  *prometheus.CounterVec
}

// New builds a Sink with its own registry, registering the standard Go
// and process collectors alongside the pipeline instruments.
func New(version string) *Sink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ridecal_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version"},
	)
	reg.MustRegister(build)
	if version == "" {
		version = "dev"
	}
	build.WithLabelValues(version).Set(1)

	s := &Sink{
		reg: reg,

		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecal_fetch_total",
				Help: "HTTP fetches by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ridecal_fetch_duration_seconds",
				Help:    "Duration of HTTP fetches in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"source"},
		),

		cacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecal_cache_results_total",
				Help: "Content cache lookups by outcome (hit, miss, stale, invalid).",
			},
			[]string{"cache", "outcome"},
		),
		limiterWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ridecal_limiter_waits_total",
				Help: "Requests that blocked on the rate limiter.",
			},
		),
		limiterWaitSec: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ridecal_limiter_wait_seconds_total",
				Help: "Cumulative time spent waiting on the rate limiter.",
			},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecal_runs_total",
				Help: "Completed scrape runs by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ridecal_run_duration_seconds",
				Help:    "End to end scrape run duration in seconds.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
			},
			[]string{"source"},
		),
		runCounts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ridecal_run_last_counts",
				Help: "Counters from the most recent run, by stage.",
			},
			[]string{"source", "counter"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecal_errors_total",
				Help: "Pipeline errors by stage and stable error code.",
			},
			[]string{"stage", "code"},
		),
		lastRunEndedAt: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ridecal_run_last_ended_timestamp_seconds",
				Help: "Unix time the most recent run for a source ended.",
			},
			[]string{"source"},
		),

		consecutiveDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ridecal_consecutive_degraded_runs",
				Help: "Degraded runs in a row; resets to zero on a healthy run.",
			},
		),

		scheduleOverlaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecal_schedule_overlaps_total",
				Help: "Scheduler firings suppressed because the prior run was still active.",
			},
			[]string{"job"},
		),
		scheduleGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecal_schedule_gaps_total",
				Help: "Detected missed schedule windows (process was down or clock jumped).",
			},
			[]string{"job"},
		),

		geocodeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecal_geocode_total",
				Help: "Geocoding attempts by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		enrichTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ridecal_enrich_total",
				Help: "Detail enrichment attempts by outcome.",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		s.fetchTotal, s.fetchDuration,
		s.cacheResults, s.limiterWaits, s.limiterWaitSec,
		s.runsTotal, s.runDuration, s.runCounts, s.errorsTotal, s.lastRunEndedAt,
		s.consecutiveDegraded,
		s.scheduleOverlaps, s.scheduleGaps,
		s.geocodeTotal, s.enrichTotal,
	)
	return s
}

// ObserveFetch records one completed fetch attempt.
func (s *Sink) ObserveFetch(source, outcome string, d time.Duration) {
	if s == nil {
		return
	}
	s.fetchTotal.WithLabelValues(source, outcome).Inc()
	s.fetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// CacheResult records a cache lookup outcome for the named cache.
func (s *Sink) CacheResult(cache, outcome string) {
	if s == nil {
		return
	}
	s.cacheResults.WithLabelValues(cache, outcome).Inc()
}

// LimiterWait records one blocking wait on the rate limiter.
func (s *Sink) LimiterWait(d time.Duration) {
	if s == nil {
		return
	}
	s.limiterWaits.Inc()
	s.limiterWaitSec.Add(d.Seconds())
}

// RunCompleted records a finished scrape run and its counters.
func (s *Sink) RunCompleted(source, outcome string, d time.Duration, counts map[string]int) {
	if s == nil {
		return
	}
	s.runsTotal.WithLabelValues(source, outcome).Inc()
	s.runDuration.WithLabelValues(source).Observe(d.Seconds())
	s.lastRunEndedAt.WithLabelValues(source).SetToCurrentTime()
	for name, v := range counts {
		s.runCounts.WithLabelValues(source, name).Set(float64(v))
	}
}

// PipelineError counts one accumulated error by stage and code.
func (s *Sink) PipelineError(stage, code string) {
	if s == nil {
		return
	}
	s.errorsTotal.WithLabelValues(stage, code).Inc()
}

// SetConsecutiveDegraded tracks the degraded-run streak for alerting.
func (s *Sink) SetConsecutiveDegraded(n int) {
	if s == nil {
		return
	}
	s.consecutiveDegraded.Set(float64(n))
}

// ScheduleOverlapSuppressed counts a firing skipped due to an active run.
func (s *Sink) ScheduleOverlapSuppressed(job string) {
	if s == nil {
		return
	}
	s.scheduleOverlaps.WithLabelValues(job).Inc()
}

// ScheduleGap counts a missed schedule window.
func (s *Sink) ScheduleGap(job string) {
	if s == nil {
		return
	}
	s.scheduleGaps.WithLabelValues(job).Inc()
}

// GeocodeResult records one geocoding attempt.
func (s *Sink) GeocodeResult(provider, outcome string) {
	if s == nil {
		return
	}
	s.geocodeTotal.WithLabelValues(provider, outcome).Inc()
}

// EnrichResult records one detail enrichment attempt.
func (s *Sink) EnrichResult(outcome string) {
	if s == nil {
		return
	}
	s.enrichTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the exposition endpoint for this sink's registry.
func (s *Sink) Handler() http.Handler {
	if s == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Registerer exposes the underlying registry for auxiliary collectors.
func (s *Sink) Registerer() prometheus.Registerer {
	if s == nil {
		return prometheus.NewRegistry()
	}
	return s.reg
}

// Serve starts the metrics HTTP listener. It returns immediately; the
// server runs until the process exits.
func (s *Sink) Serve(addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	logger.Info("metrics server starting", "addr", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()
}
