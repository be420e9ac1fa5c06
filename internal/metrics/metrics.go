package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calpull_sync_attempts_total",
		Help: "Sync attempts per calendar by result.",
	}, []string{"calendar", "result"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calpull_sync_duration_seconds",
		Help:    "Histogram of sync attempt latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"calendar"})

	deltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calpull_deltas_total",
		Help: "Remote changes processed by outcome.",
	}, []string{"calendar", "outcome"})

	snapshotOccurrences = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calpull_snapshot_occurrences",
		Help: "Occurrences in the latest presented snapshot.",
	}, []string{"calendar"})

	calendarState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calpull_calendar_state",
		Help: "1 for the current sync state of each calendar, 0 otherwise.",
	}, []string{"calendar", "state"})

	purgedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calpull_purged_records_total",
		Help: "Records physically removed by retention purges.",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calpull_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calpull_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// ObserveSync records one sync attempt. result is "success", "retry" or
// "failed".
func ObserveSync(calendar, result string, d time.Duration) {
	syncAttempts.WithLabelValues(calendar, result).Inc()
	syncDuration.WithLabelValues(calendar).Observe(d.Seconds())
}

// ObserveDeltas adds the per-outcome delta counts of one sync.
func ObserveDeltas(calendar string, applied, discarded, skipped int, swept int64) {
	deltasTotal.WithLabelValues(calendar, "applied").Add(float64(applied))
	deltasTotal.WithLabelValues(calendar, "discarded").Add(float64(discarded))
	deltasTotal.WithLabelValues(calendar, "skipped").Add(float64(skipped))
	deltasTotal.WithLabelValues(calendar, "swept").Add(float64(swept))
}

func SetSnapshotOccurrences(calendar string, n int) {
	snapshotOccurrences.WithLabelValues(calendar).Set(float64(n))
}

// SetCalendarState marks state as current for calendar and clears the other
// known states.
func SetCalendarState(calendar, state string, known []string) {
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		calendarState.WithLabelValues(calendar, s).Set(v)
	}
}

func AddPurged(n int64) {
	if n > 0 {
		purgedRecords.Add(float64(n))
	}
}

// Middleware records request counts and latencies by chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
