package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusLedgerRequests   *prometheus.CounterVec
	prometheusLedgerQueueDepth prometheus.Gauge

	prometheusCrawlerHeight prometheus.Gauge
	prometheusCrawlerState  *prometheus.GaugeVec
	prometheusCrawlerBlocks *prometheus.CounterVec

	prometheusWalletSyncs        *prometheus.CounterVec
	prometheusWalletSyncDuration *prometheus.HistogramVec

	prometheusMetricsInitOnce sync.Once
)

// Crawler states exported as a one-hot gauge
var crawlerStates = []string{"idle", "catching_up", "tip_reached", "waiting"}

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusLedgerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletintel_ledger_requests_total",
			Help: "Number of ledger API jobs executed by the fetch queue",
		},
		[]string{
			"kind",    // job kind
			"outcome", // ok, empty, not_found, failed, closed
		},
	)
	prometheusLedgerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletintel_ledger_queue_depth",
			Help: "Number of jobs waiting in the fetch queue",
		},
	)
	prometheusCrawlerHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletintel_crawler_last_processed_height",
			Help: "Last block height fully processed by the crawler",
		},
	)
	prometheusCrawlerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "walletintel_crawler_state",
			Help: "Current crawler state, 1 for the active state",
		},
		[]string{"state"},
	)
	prometheusCrawlerBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletintel_crawler_blocks_total",
			Help: "Number of block processing attempts by outcome",
		},
		[]string{"outcome"},
	)
	prometheusWalletSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletintel_wallet_syncs_total",
			Help: "Number of wallet synchronizations",
		},
		[]string{
			"path",    // memory, graph, ledger, crawler
			"outcome", // hit, ok, skipped, error
		},
	)
	prometheusWalletSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletintel_wallet_sync_duration_seconds",
			Help:    "Duration of wallet synchronizations",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		},
		[]string{"path"},
	)
}

// LedgerRequest counts one executed fetch queue job
func LedgerRequest(kind, outcome string) {
	Init()
	prometheusLedgerRequests.WithLabelValues(kind, outcome).Inc()
}

// LedgerQueueDepth records the number of pending fetch queue jobs
func LedgerQueueDepth(depth int) {
	Init()
	prometheusLedgerQueueDepth.Set(float64(depth))
}

// CrawlerHeight records the crawler's last processed height
func CrawlerHeight(height int64) {
	Init()
	prometheusCrawlerHeight.Set(float64(height))
}

// CrawlerState marks state as the active crawler state
func CrawlerState(state string) {
	Init()
	for _, s := range crawlerStates {
		value := 0.0
		if s == state {
			value = 1
		}
		prometheusCrawlerState.WithLabelValues(s).Set(value)
	}
}

// CrawlerBlock counts one block processing attempt
func CrawlerBlock(outcome string) {
	Init()
	prometheusCrawlerBlocks.WithLabelValues(outcome).Inc()
}

// WalletSync counts one wallet synchronization and observes its duration
func WalletSync(path, outcome string, started time.Time) {
	Init()
	prometheusWalletSyncs.WithLabelValues(path, outcome).Inc()
	prometheusWalletSyncDuration.WithLabelValues(path).Observe(time.Since(started).Seconds())
}
