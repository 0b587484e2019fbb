package db

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollectors reports connection usage of pool, labelled by database role.
func PoolCollectors(pool *pgxpool.Pool, role string) []prometheus.Collector {
	gauge := func(name, help string, read func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"db": role},
		}, func() float64 {
			return float64(read(pool.Stat()))
		})
	}

	return []prometheus.Collector{
		gauge("pgxpool_total_conns", "Open connections in the pool.", (*pgxpool.Stat).TotalConns),
		gauge("pgxpool_acquired_conns", "Connections currently checked out.", (*pgxpool.Stat).AcquiredConns),
		gauge("pgxpool_idle_conns", "Idle connections in the pool.", (*pgxpool.Stat).IdleConns),
		gauge("pgxpool_max_conns", "Configured pool size.", (*pgxpool.Stat).MaxConns),
	}
}
