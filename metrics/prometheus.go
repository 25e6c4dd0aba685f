package metrics

import (
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Index metrics
	indexHeight   prometheus.Gauge
	indexRequests *prometheus.CounterVec
	indexLatency  *prometheus.HistogramVec

	// Verifier metrics
	headersVerified prometheus.Counter
	headersRejected *prometheus.CounterVec
	verifyLatency   prometheus.Histogram
	chainWork       prometheus.Gauge

	workMu    sync.Mutex
	totalWork *big.Int

	// Worker metrics
	workerFailures *prometheus.CounterVec

	// Sync metrics
	syncState           *prometheus.GaugeVec
	syncHeadersReceived prometheus.Counter
	syncErrors          *prometheus.CounterVec
	syncRoundDuration   prometheus.Histogram

	// RPC metrics
	rpcRequests    *prometheus.CounterVec
	rpcRateLimited prometheus.Counter
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry:  registry,
		totalWork: new(big.Int),

		// Index metrics
		indexHeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_height",
				Help:      "Height of the highest indexed header",
			},
		),
		indexRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_requests_total",
				Help:      "Total number of index requests by kind",
			},
			[]string{"kind"},
		),
		indexLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_request_duration_seconds",
				Help:      "Time spent handling index requests",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"kind"},
		),

		// Verifier metrics
		headersVerified: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "headers_verified_total",
				Help:      "Total number of headers verified and indexed",
			},
		),
		headersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "headers_rejected_total",
				Help:      "Total number of rejected headers by reason",
			},
			[]string{"reason"},
		),
		verifyLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verify_duration_seconds",
				Help:      "Time spent verifying and indexing a header",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
		chainWork: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chain_work",
				Help:      "Cumulative work of headers indexed by this process",
			},
		),

		// Worker metrics
		workerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_failures_total",
				Help:      "Total number of terminal worker failures",
			},
			[]string{"worker"},
		),

		// Sync metrics
		syncState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_state",
				Help:      "Current sync state (1 for the active state)",
			},
			[]string{"state"},
		),
		syncHeadersReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_headers_received_total",
				Help:      "Total number of headers received from peers",
			},
		),
		syncErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_errors_total",
				Help:      "Total number of sync errors by kind",
			},
			[]string{"kind"},
		),
		syncRoundDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_round_duration_seconds",
				Help:      "Time taken by one header sync round",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_requests_total",
				Help:      "Total number of JSON-RPC calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		rpcRateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_rate_limited_total",
				Help:      "Total number of JSON-RPC requests refused by the rate limiter",
			},
		),
	}

	m.registerMetrics()
	return m
}

func (m *PrometheusMetrics) registerMetrics() {
	m.registry.MustRegister(
		// Index metrics
		m.indexHeight,
		m.indexRequests,
		m.indexLatency,

		// Verifier metrics
		m.headersVerified,
		m.headersRejected,
		m.verifyLatency,
		m.chainWork,

		// Worker metrics
		m.workerFailures,

		// Sync metrics
		m.syncState,
		m.syncHeadersReceived,
		m.syncErrors,
		m.syncRoundDuration,

		// RPC metrics
		m.rpcRequests,
		m.rpcRateLimited,
	)
}

// Index metrics implementation

func (m *PrometheusMetrics) SetIndexHeight(height int64) {
	m.indexHeight.Set(float64(height))
}

func (m *PrometheusMetrics) IncIndexRequests(kind string) {
	m.indexRequests.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) ObserveIndexLatency(kind string, latency time.Duration) {
	m.indexLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// Verifier metrics implementation

func (m *PrometheusMetrics) IncHeadersVerified() {
	m.headersVerified.Inc()
}

func (m *PrometheusMetrics) IncHeadersRejected(reason string) {
	m.headersRejected.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) ObserveVerifyLatency(latency time.Duration) {
	m.verifyLatency.Observe(latency.Seconds())
}

// AddChainWork adds work to the cumulative total. The gauge holds a float64
// approximation of the exact total.
func (m *PrometheusMetrics) AddChainWork(work *big.Int) {
	if work == nil {
		return
	}
	m.workMu.Lock()
	m.totalWork.Add(m.totalWork, work)
	f, _ := new(big.Float).SetInt(m.totalWork).Float64()
	m.workMu.Unlock()
	m.chainWork.Set(f)
}

// Worker metrics implementation

func (m *PrometheusMetrics) IncWorkerFailures(name string) {
	m.workerFailures.WithLabelValues(name).Inc()
}

// Sync metrics implementation

func (m *PrometheusMetrics) SetSyncState(state string) {
	// Reset all states
	m.syncState.WithLabelValues(SyncStateSynced).Set(0)
	m.syncState.WithLabelValues(SyncStateSyncing).Set(0)
	// Set current state
	m.syncState.WithLabelValues(state).Set(1)
}

func (m *PrometheusMetrics) IncSyncHeadersReceived(count int) {
	m.syncHeadersReceived.Add(float64(count))
}

func (m *PrometheusMetrics) IncSyncErrors(kind string) {
	m.syncErrors.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) ObserveSyncRound(duration time.Duration) {
	m.syncRoundDuration.Observe(duration.Seconds())
}

// RPC metrics implementation

func (m *PrometheusMetrics) IncRPCRequests(method, outcome string) {
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}

func (m *PrometheusMetrics) IncRPCRateLimited() {
	m.rpcRateLimited.Inc()
}

// Handler returns an HTTP handler for serving metrics.
func (m *PrometheusMetrics) Handler() any {
	return m.HTTPHandler()
}

// HTTPHandler returns a typed HTTP handler for serving metrics.
func (m *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	})
}

// Registry returns the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Ensure PrometheusMetrics implements Metrics.
var _ Metrics = (*PrometheusMetrics)(nil)
