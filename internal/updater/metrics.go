package updater

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the updater's Prometheus collectors.
type Metrics struct {
	Batches            *prometheus.CounterVec
	BatchDuration      *prometheus.HistogramVec
	EntriesProcessed   prometheus.Counter
	Notifications      prometheus.Counter
	Connections        prometheus.Counter
	ConnectionFailures prometheus.Counter
	ReplicaWaits       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fts_updater_batches_total",
			Help: "Batch cycles run, by phase and result.",
		}, []string{"phase", "result"}),
		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fts_updater_batch_duration_seconds",
			Help:    "Wall time of one batch transaction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		EntriesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "fts_updater_entries_processed_total",
			Help: "Change-log entries consumed.",
		}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Name: "fts_updater_notifications_total",
			Help: "Notifications drained from the channel.",
		}),
		Connections: f.NewCounter(prometheus.CounterOpts{
			Name: "fts_updater_connections_total",
			Help: "Successful database connections.",
		}),
		ConnectionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "fts_updater_connect_failures_total",
			Help: "Dial or session failures that spent retry budget.",
		}),
		ReplicaWaits: f.NewCounter(prometheus.CounterOpts{
			Name: "fts_updater_replica_waits_total",
			Help: "Recovery checks that found a read-only replica.",
		}),
	}
}
