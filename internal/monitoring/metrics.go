package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay pipeline.
type Metrics struct {
	// Intake
	SubmissionsTotal *prometheus.CounterVec
	QueueDepth       prometheus.Gauge

	// Dispatcher
	BatchTicks prometheus.Counter
	BatchSize  prometheus.Histogram
	TxSent     prometheus.Counter
	TxMined    prometheus.Counter
	TxFailed   *prometheus.CounterVec
	MineWait   prometheus.Histogram

	// Leaderboard
	CacheLookups  *prometheus.CounterVec
	UpstreamPages prometheus.Counter
}

// NewMetrics creates and registers all relay metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_submissions_total",
				Help: "Score submissions by intake outcome",
			},
			[]string{"result"}, // accepted, invalid, range_denied, window_denied
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_pending_queue_depth",
				Help: "Submissions waiting for the next batch tick",
			},
		),

		BatchTicks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_batch_ticks_total",
				Help: "Dispatcher ticks that drained a non-empty queue",
			},
		),

		BatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_batch_size",
				Help:    "Submissions drained per batch tick",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
		),

		TxSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_tx_sent_total",
				Help: "Transactions accepted by the RPC node",
			},
		),

		TxMined: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_tx_mined_total",
				Help: "Transactions with a confirmed receipt",
			},
		),

		TxFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tx_failed_total",
				Help: "Failed transactions by reason",
			},
			[]string{"reason"}, // nonce_fetch, send, wait_timeout, wait_error, admission
		),

		MineWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_mine_wait_seconds",
				Help:    "Time from send to receipt",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		CacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_leaderboard_cache_lookups_total",
				Help: "Leaderboard cache lookups by result",
			},
			[]string{"result"}, // hit, miss
		),

		UpstreamPages: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_leaderboard_pages_total",
				Help: "Upstream leaderboard pages fetched",
			},
		),
	}
}

// All record helpers tolerate a nil receiver so tests can run without a
// registered metrics set.

// SetQueueDepth updates the pending-queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordBatch records one non-empty dispatcher tick.
func (m *Metrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.BatchTicks.Inc()
	m.BatchSize.Observe(float64(size))
}

// RecordTxSent counts a transaction accepted by the RPC node.
func (m *Metrics) RecordTxSent() {
	if m == nil {
		return
	}
	m.TxSent.Inc()
}

// RecordTxMined counts a confirmed receipt and its wait time.
func (m *Metrics) RecordTxMined(waitSeconds float64) {
	if m == nil {
		return
	}
	m.TxMined.Inc()
	m.MineWait.Observe(waitSeconds)
}

// RecordUpstreamPage counts one fetched leaderboard page.
func (m *Metrics) RecordUpstreamPage() {
	if m == nil {
		return
	}
	m.UpstreamPages.Inc()
}

// RecordSubmission records an intake outcome.
func (m *Metrics) RecordSubmission(result string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(result).Inc()
}

// RecordTxFailure records a failed transaction by reason.
func (m *Metrics) RecordTxFailure(reason string) {
	if m == nil {
		return
	}
	m.TxFailed.WithLabelValues(reason).Inc()
}

// RecordCacheLookup records a leaderboard cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
