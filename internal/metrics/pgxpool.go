package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the subset of pgxpool.Pool used for the gauges.
type PoolStats interface {
	Stat() *pgxpool.Stat
}

// RegisterPowerDNSPoolMetrics exposes the PowerDNS connection pool statistics as gauges.
func RegisterPowerDNSPoolMetrics(reg prometheus.Registerer, pool PoolStats) {
	gauge := func(name, help string, value func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "proxyhost",
			Subsystem: "powerdns_pool",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return value(pool.Stat())
		})
	}
	reg.MustRegister(
		gauge("acquired_conns", "Number of currently acquired connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("max_conns", "Maximum number of connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		gauge("total_conns", "Total number of connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("idle_conns", "Number of idle connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
	)
}
