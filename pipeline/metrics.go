package pipeline

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	BlocksProcessed *prometheus.CounterVec
	EntriesAdmitted *prometheus.CounterVec
	Duplicates      *prometheus.CounterVec
	Quarantined     *prometheus.CounterVec
	Unpriced        *prometheus.CounterVec

	EntriesPromoted *prometheus.CounterVec
	EntriesReverted *prometheus.CounterVec

	ReorgsTotal *prometheus.CounterVec
	ReorgDepth  *prometheus.HistogramVec

	BlockApplyDuration *prometheus.HistogramVec

	RepricedTotal  prometheus.Counter
	RepriceBacklog prometheus.Gauge
	FactQueueDepth prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics. Call it once
// per process.
func NewMetrics(namespace, subsystem string) *Metrics {
	if namespace == "" {
		namespace = "indexer"
	}
	if subsystem == "" {
		subsystem = "pipeline"
	}

	return &Metrics{
		BlocksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocks_processed_total",
			Help:      "Total number of blocks applied to the ledger",
		}, []string{"chain"}),
		EntriesAdmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_admitted_total",
			Help:      "Total number of ledger entries admitted",
		}, []string{"chain"}),
		Duplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicate_logs_total",
			Help:      "Total number of redelivered logs skipped by admission",
		}, []string{"chain"}),
		Quarantined: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "quarantined_logs_total",
			Help:      "Total number of undecodable or invariant-violating logs quarantined",
		}, []string{"chain"}),
		Unpriced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unpriced_entries_total",
			Help:      "Total number of entries admitted without a USD value",
		}, []string{"chain"}),

		EntriesPromoted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_promoted_total",
			Help:      "Total number of entries promoted to confirmed",
		}, []string{"chain"}),
		EntriesReverted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_reverted_total",
			Help:      "Total number of entries reverted by reorg rollback",
		}, []string{"chain"}),

		ReorgsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reorgs_total",
			Help:      "Total number of chain reorganizations handled",
		}, []string{"chain"}),
		ReorgDepth: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reorg_depth_blocks",
			Help:      "Depth of handled reorganizations in blocks",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"chain"}),
		BlockApplyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "block_apply_duration_seconds",
			Help:      "Time spent applying one block to the ledger",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"chain"}),

		RepricedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "repriced_entries_total",
			Help:      "Total number of entries given a USD value by the reprice sweep",
		}),
		RepriceBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reprice_backlog",
			Help:      "Entries currently waiting for a USD value",
		}),
		FactQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fact_queue_depth",
			Help:      "Facts buffered in the outbound publish queue",
		}),
	}
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// RecordBlock records the counters for one applied block.
func (m *Metrics) RecordBlock(chainID uint64, admitted, duplicates, quarantined, unpriced int, seconds float64) {
	chain := chainLabel(chainID)
	m.BlocksProcessed.WithLabelValues(chain).Inc()
	m.EntriesAdmitted.WithLabelValues(chain).Add(float64(admitted))
	m.Duplicates.WithLabelValues(chain).Add(float64(duplicates))
	m.Quarantined.WithLabelValues(chain).Add(float64(quarantined))
	m.Unpriced.WithLabelValues(chain).Add(float64(unpriced))
	m.BlockApplyDuration.WithLabelValues(chain).Observe(seconds)
}

// RecordPromotion records entries promoted to confirmed.
func (m *Metrics) RecordPromotion(chainID uint64, promoted int) {
	if promoted > 0 {
		m.EntriesPromoted.WithLabelValues(chainLabel(chainID)).Add(float64(promoted))
	}
}

// RecordReorg records a handled reorganization and its inverse effects.
func (m *Metrics) RecordReorg(chainID uint64, depth uint64, reverted int) {
	chain := chainLabel(chainID)
	m.ReorgsTotal.WithLabelValues(chain).Inc()
	m.ReorgDepth.WithLabelValues(chain).Observe(float64(depth))
	m.EntriesReverted.WithLabelValues(chain).Add(float64(reverted))
}

// RecordReprice records one reprice sweep.
func (m *Metrics) RecordReprice(repriced, remaining int) {
	m.RepricedTotal.Add(float64(repriced))
	m.RepriceBacklog.Set(float64(remaining))
}

// SetFactQueueDepth updates the publish queue depth gauge.
func (m *Metrics) SetFactQueueDepth(depth int) {
	m.FactQueueDepth.Set(float64(depth))
}
