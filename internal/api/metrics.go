package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes of an engine callback.
const (
	callbackApplied  = "applied"
	callbackStale    = "stale"
	callbackRejected = "rejected"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "babel_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "babel_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route. Progress streams are excluded.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	callbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "babel_build_callbacks_total",
		Help: "Engine callbacks by event and outcome.",
	}, []string{"event", "outcome"})

	progressStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "babel_progress_streams",
		Help: "Open server-sent progress streams.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, callbacksTotal, progressStreams)
}

// metricsMiddleware counts every request by its chi route pattern, which
// keeps build and engine ids out of the label set.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if ww.Header().Get("Content-Type") != "text/event-stream" {
			requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// observeCallback records the outcome of an engine callback.
func observeCallback(event string, applied bool, err error) {
	outcome := callbackStale
	switch {
	case err != nil:
		outcome = callbackRejected
	case applied:
		outcome = callbackApplied
	}
	callbacksTotal.WithLabelValues(event, outcome).Inc()
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
