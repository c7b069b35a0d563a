package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer returns the side listener that exposes gatherer on /metrics and a
// liveness probe on /healthz. A nil healthy check always reports ok.
func NewServer(addr string, gatherer prometheus.Gatherer, healthy func() error) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           routes(gatherer, healthy),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func routes(gatherer prometheus.Gatherer, healthy func() error) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if healthy != nil {
			if err := healthy(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unhealthy: " + err.Error()))
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
