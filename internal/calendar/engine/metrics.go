package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	SyncTotal       *prometheus.CounterVec // result=success|offline|busy|error|rejected
	BatchLatencyMS  prometheus.Histogram
	QueueDepth      prometheus.Gauge
	ConflictsTotal  *prometheus.CounterVec // resolution=server_wins|...
	QuarantineTotal prometheus.Counter
	MonthLoadTotal  *prometheus.CounterVec // result=cached|offline|fetched|error
	HolidayEvents   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_sync_total",
				Help: "Total sync attempts by result",
			},
			[]string{"result"},
		),
		BatchLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "calsync_batch_latency_ms",
			Help:    "Latency of batch sync calls (ms)",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5ms .. ~10s
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calsync_queue_depth",
			Help: "Number of queued mutations after the last sync",
		}),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_conflicts_total",
				Help: "Total conflicts reported by the batch endpoint by resolution",
			},
			[]string{"resolution"},
		),
		QuarantineTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calsync_quarantined_total",
			Help: "Total queue entries moved to quarantine",
		}),
		MonthLoadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calsync_month_load_total",
				Help: "Total month loads by result",
			},
			[]string{"result"},
		),
		HolidayEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calsync_holiday_events",
			Help: "Number of synthetic holiday events in local state",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.SyncTotal,
		m.BatchLatencyMS,
		m.QueueDepth,
		m.ConflictsTotal,
		m.QuarantineTotal,
		m.MonthLoadTotal,
		m.HolidayEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
