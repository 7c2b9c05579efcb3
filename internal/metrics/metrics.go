package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gustycube/cyberstreams/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	FeedFetchesTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cyberstreams_feed_fetches_total", Help: "feed fetch attempts"}, []string{"feed", "status"})
	DocumentsTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "cyberstreams_documents_ingested_total", Help: "documents normalized and submitted for indexing"})
	CycleDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cyberstreams_ingest_cycle_seconds", Help: "ingestion cycle duration", Buckets: prometheus.ExponentialBuckets(0.5, 2, 10)})
	RobotsBlocks      = prometheus.NewCounter(prometheus.CounterOpts{Name: "cyberstreams_robots_blocked_total", Help: "feeds skipped by robots.txt"})
	RequestsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cyberstreams_http_requests_total", Help: "API requests"}, []string{"method", "route", "status"})
	RequestDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "cyberstreams_http_request_seconds", Help: "API request latency", Buckets: prometheus.DefBuckets}, []string{"method", "route"})
	AuthFailures      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cyberstreams_auth_failures_total", Help: "rejected authentication attempts"}, []string{"reason"})
	RateLimitDecision = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cyberstreams_ratelimit_decisions_total", Help: "rate limit decisions"}, []string{"result"})
	SearchCache       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cyberstreams_search_cache_total", Help: "search result cache lookups"}, []string{"result"})
	StreamClients     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cyberstreams_stream_clients", Help: "connected activity stream clients"})
	BreakerState      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "cyberstreams_upstream_breaker_state", Help: "per-host circuit breaker state (0 closed, 1 open, 2 half-open)"}, []string{"host"})
)

func init() {
	prometheus.MustRegister(FeedFetchesTotal, DocumentsTotal, CycleDuration, RobotsBlocks,
		RequestsTotal, RequestDuration, AuthFailures, RateLimitDecision, SearchCache, StreamClients, BreakerState)
}

// Handler exposes metrics alongside the health, readiness and liveness probes.
func Handler(healthHandler *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if healthHandler != nil {
		mux.HandleFunc("/health", healthHandler.HealthHandler)
		mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
		mux.HandleFunc("/live", healthHandler.LivenessHandler)
	}
	return mux
}

// ServeWithHealth runs the metrics listener until ctx is cancelled.
func ServeWithHealth(ctx context.Context, addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	srv := &http.Server{Addr: addr, Handler: Handler(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("metrics server stopped", "err", err)
	}
}
