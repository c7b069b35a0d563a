package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// unmatchedRoute labels requests no route claimed, so scanners probing random
// paths share one series.
const unmatchedRoute = "unmatched"

var (
	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proxyhost",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "API requests by route and status code.",
	}, []string{"method", "route", "code"})

	apiLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proxyhost",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "API request latency by route.",
		Buckets:   []float64{.005, .025, .1, .25, 1, 2.5, 10, 30},
	}, []string{"method", "route"})

	apiInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proxyhost",
		Subsystem: "api",
		Name:      "requests_in_flight",
		Help:      "API requests currently being served.",
	})
)

// Metrics records request count, latency and concurrency per chi route pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiInFlight.Inc()
		defer apiInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(began)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routeLabel(r)
		apiRequests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		apiLatency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	})
}

func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}
