package provision

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "proxyhost_host_operations_total",
	Help: "Dashboard host operations by outcome",
}, []string{"op", "outcome"})
