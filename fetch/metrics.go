package fetch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the fetch workers.
type Metrics struct {
	ChainHead      *prometheus.GaugeVec
	HeadLag        *prometheus.GaugeVec
	WindowsFetched *prometheus.CounterVec
	FetchRetries   *prometheus.CounterVec
	TailSessions   *prometheus.CounterVec
	ChainHalts     *prometheus.CounterVec
}

// NewMetrics creates and registers all fetch metrics. Call it once per
// process.
func NewMetrics(namespace, subsystem string) *Metrics {
	if namespace == "" {
		namespace = "indexer"
	}
	if subsystem == "" {
		subsystem = "fetch"
	}

	return &Metrics{
		ChainHead: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chain_head",
			Help:      "Latest head block number observed per chain",
		}, []string{"chain"}),
		HeadLag: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "head_lag_blocks",
			Help:      "Blocks between the observed head and the ingestion cursor",
		}, []string{"chain"}),
		WindowsFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "windows_fetched_total",
			Help:      "Total number of backfill windows fetched and processed",
		}, []string{"chain"}),
		FetchRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Total number of backoff retries after source outages",
		}, []string{"chain"}),
		TailSessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tail_sessions_total",
			Help:      "Total number of live tail subscriptions started",
		}, []string{"chain"}),
		ChainHalts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chain_halts_total",
			Help:      "Total number of per-chain halts requiring operator intervention",
		}, []string{"chain"}),
	}
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// ObserveHead updates the head and lag gauges for one chain.
func (m *Metrics) ObserveHead(chainID, head, next uint64) {
	chain := chainLabel(chainID)
	m.ChainHead.WithLabelValues(chain).Set(float64(head))
	lag := uint64(0)
	if head+1 > next {
		lag = head + 1 - next
	}
	m.HeadLag.WithLabelValues(chain).Set(float64(lag))
}

// RecordWindow counts one completed backfill window.
func (m *Metrics) RecordWindow(chainID uint64) {
	m.WindowsFetched.WithLabelValues(chainLabel(chainID)).Inc()
}

// RecordRetry counts one backoff retry.
func (m *Metrics) RecordRetry(chainID uint64) {
	m.FetchRetries.WithLabelValues(chainLabel(chainID)).Inc()
}

// RecordTail counts one live tail session.
func (m *Metrics) RecordTail(chainID uint64) {
	m.TailSessions.WithLabelValues(chainLabel(chainID)).Inc()
}

// RecordHalt counts a chain halt.
func (m *Metrics) RecordHalt(chainID uint64) {
	m.ChainHalts.WithLabelValues(chainLabel(chainID)).Inc()
}
