package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Collector struct {
	reg *prometheus.Registry

	Messages         *prometheus.CounterVec // kind: istfahrt|sollfahrt, result
	Matched          *prometheus.CounterVec // cached: 0|1
	MatchingFailures *prometheus.CounterVec // reason
	MergeSources     *prometheus.CounterVec // source: soll|komplett|partial
	CacheRequests    *prometheus.CounterVec // cache, result: hit|miss

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	InFlight        prometheus.Gauge

	StageDuration   *prometheus.HistogramVec // stage
	MatchingTime    *prometheus.HistogramVec // matched, cached
	PublishDuration prometheus.Histogram

	Concurrency prometheus.Gauge
}

func NewCollector(concurrency int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_messages_total",
			Help: "Total VDV messages processed, by kind and result.",
		}, []string{"kind", "result"}),
		Matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_matched_total",
			Help: "Total trips successfully matched with the GTFS Schedule.",
		}, []string{"cached"}),
		MatchingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_matching_failures_total",
			Help: "Total matching attempts without a unique trip \"instance\".",
		}, []string{"reason"}),
		MergeSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_merge_sources_total",
			Help: "Total VDV fragments going into merges, by source.",
		}, []string{"source"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matcher_cache_requests_total",
			Help: "Total cache reads, by cache and result.",
		}, []string{"cache", "result"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matcher_nats_published_total",
			Help: "Total GTFS-RT TripUpdates published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matcher_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matcher_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matcher_in_flight_messages",
			Help: "Number of messages currently being processed.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matcher_stage_duration_seconds",
			Help:    "Duration of the processing stages of a message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"stage"}),
		MatchingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matcher_matching_time_seconds",
			Help:    "Duration of matching trips with the GTFS Schedule.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"matched", "cached"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matcher_publish_duration_seconds",
			Help:    "Duration to encode and publish a TripUpdate.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		Concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matcher_concurrency",
			Help: "Maximum number of messages processed concurrently.",
		}),
	}

	reg.MustRegister(
		c.Messages, c.Matched, c.MatchingFailures, c.MergeSources, c.CacheRequests,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.InFlight,
		c.StageDuration, c.MatchingTime, c.PublishDuration,
		c.Concurrency,
	)

	c.Concurrency.Set(float64(concurrency))

	return c
}

func boolLabel(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// CacheRequest implements cache.Metrics.
func (c *Collector) CacheRequest(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheRequests.WithLabelValues(cache, result).Inc()
}

func (c *Collector) ObserveMatching(matched, cached bool, d time.Duration) {
	c.MatchingTime.WithLabelValues(boolLabel(matched), boolLabel(cached)).Observe(d.Seconds())
	if matched {
		c.Matched.WithLabelValues(boolLabel(cached)).Inc()
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// HealthCheck reports an error if a dependency is unavailable.
type HealthCheck func(ctx context.Context) error

// Router exposes /metrics and /healthz.
func (c *Collector) Router(health HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", c.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Serve starts an HTTP server exposing the Router on the given address.
func (c *Collector) Serve(addr string, health HealthCheck, log zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Router(health),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
