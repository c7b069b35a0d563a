package nginx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyhost_config_apply_total",
		Help: "Config mutations by result (ok or the failure reason)",
	}, []string{"result"})

	applyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxyhost_config_apply_duration_seconds",
		Help:    "Time spent in a config apply including validate and reload",
		Buckets: prometheus.DefBuckets,
	})
)
