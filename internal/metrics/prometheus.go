// Package metrics exposes benchmark progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/chainbench/internal/stats"
	"github.com/gateway-fm/chainbench/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics of a benchmark process.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal    *prometheus.CounterVec
	TxInFlight prometheus.Gauge
	TxLatency  prometheus.Histogram

	// Round results, labelled by round label
	RoundsTotal     *prometheus.CounterVec
	RoundSendRate   *prometheus.GaugeVec
	RoundThroughput *prometheus.GaugeVec
	RoundLatency    *prometheus.GaugeVec

	RunStatus *prometheus.GaugeVec

	// Backend
	RPCLatency   *prometheus.HistogramVec
	ChainHead    prometheus.Gauge
	BlockGasUsed prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all metrics with reg, or with
// the default registerer when reg is nil.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainbench_transactions_total",
				Help: "Transactions by final status",
			},
			[]string{"status"},
		),

		TxInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainbench_transactions_in_flight",
				Help: "Submitted transactions without a final outcome",
			},
		),

		TxLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chainbench_transaction_latency_seconds",
				Help:    "Latency of committed transactions in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		RoundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainbench_rounds_total",
				Help: "Executed sub-rounds by result",
			},
			[]string{"status"},
		),

		RoundSendRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainbench_round_send_rate_tps",
				Help: "Send rate of the last sub-round with the label",
			},
			[]string{"label"},
		),

		RoundThroughput: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainbench_round_throughput_tps",
				Help: "Throughput of the last sub-round with the label",
			},
			[]string{"label"},
		),

		RoundLatency: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainbench_round_avg_latency_seconds",
				Help: "Average latency of the last sub-round with the label",
			},
			[]string{"label"},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainbench_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainbench_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),

		ChainHead: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainbench_chain_head_block",
				Help: "Latest block number seen by the monitor",
			},
		),

		BlockGasUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainbench_block_gas_used",
				Help: "Gas used by the latest block seen by the monitor",
			},
		),
	}
}

// Submitted records a dispatched transaction.
func (m *PrometheusMetrics) Submitted() {
	m.TxInFlight.Inc()
}

// Finished records a final outcome.
func (m *PrometheusMetrics) Finished(o types.TxOutcome) {
	m.TxInFlight.Dec()
	if !o.IsSuccess() {
		m.TxTotal.WithLabelValues(string(types.TxFailed)).Inc()
		return
	}
	m.TxTotal.WithLabelValues(string(types.TxSuccess)).Inc()
	m.TxLatency.Observe(o.Delay().Seconds())
}

// RecordRound publishes a finished sub-round.
func (m *PrometheusMetrics) RecordRound(s stats.RoundStatistics) {
	m.RoundsTotal.WithLabelValues(string(types.RoundSucceeded)).Inc()
	if r := s.SendRate(); !r.NA {
		m.RoundSendRate.WithLabelValues(s.Label).Set(r.Value)
	}
	if r := s.Throughput(); !r.NA {
		m.RoundThroughput.WithLabelValues(s.Label).Set(r.Value)
	}
	if avg, ok := s.AvgLatency(); ok {
		m.RoundLatency.WithLabelValues(s.Label).Set(avg.Seconds())
	}
}

// RecordRoundFailed counts a sub-round that raised an error.
func (m *PrometheusMetrics) RecordRoundFailed() {
	m.RoundsTotal.WithLabelValues(string(types.RoundFailed)).Inc()
}

// knownRPCMethods bounds the method label's cardinality.
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":    true,
	"eth_getTransactionCount":   true,
	"eth_blockNumber":           true,
	"eth_chainId":               true,
	"eth_getCode":               true,
	"eth_gasPrice":              true,
	"eth_getTransactionReceipt": true,
	"batch":                     true,
}

// ObserveRPC records one JSON-RPC call. Its signature matches
// rpc.ClientConfig.Observe.
func (m *PrometheusMetrics) ObserveRPC(method string, d time.Duration, err error) {
	if !knownRPCMethods[method] {
		method = "other"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(d.Seconds())
}

// SetChainHead records the latest block seen.
func (m *PrometheusMetrics) SetChainHead(number, gasUsed uint64) {
	m.ChainHead.Set(float64(number))
	m.BlockGasUsed.Set(float64(gasUsed))
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	for _, s := range []types.RunStatus{types.RunIdle, types.RunRunning, types.RunCompleted, types.RunFailed} {
		if s == status {
			m.RunStatus.WithLabelValues(string(s)).Set(1)
		} else {
			m.RunStatus.WithLabelValues(string(s)).Set(0)
		}
	}
}

// Reset clears the per-run gauges and counters.
// Histograms are cumulative and keep their buckets across runs.
func (m *PrometheusMetrics) Reset() {
	m.TxTotal.Reset()
	m.TxInFlight.Set(0)
	m.RoundsTotal.Reset()
	m.RoundSendRate.Reset()
	m.RoundThroughput.Reset()
	m.RoundLatency.Reset()
	m.SetRunStatus(types.RunIdle)
}
