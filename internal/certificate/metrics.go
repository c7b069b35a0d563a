package certificate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyhost_certificate_operations_total",
		Help: "Certificate issuance and renewal attempts by result",
	}, []string{"op", "result"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxyhost_certificate_operation_duration_seconds",
		Help:    "Duration of certificate issuance and renewal",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	}, []string{"op"})

	expiryTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxyhost_certificate_expiry_timestamp_seconds",
		Help: "NotAfter of the current certificate per server name",
	}, []string{"server_name"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxyhost_certificate_jobs_in_flight",
		Help: "Certificate jobs currently running on the worker",
	})

	renewalScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyhost_renewal_scan_hosts_total",
		Help: "Hosts visited by renewal scans by outcome",
	}, []string{"outcome"})
)
