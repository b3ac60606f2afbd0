package manager

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	operations      *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	syncs           *prometheus.CounterVec
	records         *prometheus.GaugeVec
	eventDrops      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_operations_total",
			Help: "Mutating operations applied to the cache.",
		}, []string{"collection", "op"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_persist_failures_total",
			Help: "Writes to the storage backend that failed and were kept in memory only.",
		}, []string{"collection"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_sync_total",
			Help: "Remote sync attempts by result.",
		}, []string{"result"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crm_records",
			Help: "Records currently cached per collection.",
		}, []string{"collection"}),
		eventDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_event_drops_total",
			Help: "Events dropped because a watcher channel was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.persistFailures, m.syncs, m.records, m.eventDrops)
	}
	return m
}
