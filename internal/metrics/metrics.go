// Package metrics provides Prometheus metrics collection for the trading
// bot: order execution, analysis cycles, signal-source health and position
// exposure, exposed via the metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trading bot.
type Metrics struct {
	// Trading metrics
	OrdersTotal     prometheus.Counter // Orders submitted through the gateway
	OrdersFailed    prometheus.Counter // Orders rejected by the exchange
	PositionsClosed *prometheus.CounterVec // Closes by reason
	OpenPositions   prometheus.Gauge   // Currently open positions
	RealizedPnL     prometheus.Gauge   // Realized profit and loss this run

	// Analysis metrics
	AnalysesTotal    prometheus.Counter   // Analysis cycles completed
	AnalysesSkipped  prometheus.Counter   // Cycles skipped by cadence/cooldown rules
	SourceTimeouts   prometheus.Counter   // Signal sources treated as abstaining
	SourceLatency    prometheus.Histogram // Signal source response latency
	DecisionsPending prometheus.Gauge     // Decisions awaiting manual approval

	// System metrics
	ErrorsTotal prometheus.Counter // Errors encountered
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry, keeping tests
// isolated from the global Prometheus state.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of orders submitted through the execution gateway",
		}),
		OrdersFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_failed_total",
			Help: "Total number of orders rejected by the exchange",
		}),
		PositionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "positions_closed_total",
			Help: "Total number of positions closed, by reason",
		}, []string{"reason"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "open_positions",
			Help: "Number of currently open positions",
		}),
		RealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realized_pnl_total",
			Help: "Realized profit and loss for the current run",
		}),
		AnalysesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "analyses_total",
			Help: "Total number of completed analysis cycles",
		}),
		AnalysesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "analyses_skipped_total",
			Help: "Total number of analysis cycles skipped by cadence or cooldown rules",
		}),
		SourceTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "source_timeouts_total",
			Help: "Total number of signal source calls treated as abstentions",
		}),
		SourceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "source_latency_seconds",
			Help:    "Signal source response latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		DecisionsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "decisions_pending",
			Help: "Number of trade decisions awaiting manual approval",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
