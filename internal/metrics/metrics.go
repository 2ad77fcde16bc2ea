// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matchbook"

// Rejection reasons used as the "reason" label of OrdersRejected.
const (
	ReasonValidation     = "validation"
	ReasonQueueFull      = "queue_full"
	ReasonNoLiquidity    = "no_liquidity"
	ReasonCancelNotFound = "cancel_not_found"
	ReasonHalted         = "halted"
	ReasonShuttingDown   = "shutting_down"
	ReasonRateLimited    = "rate_limited"
	ReasonInvalid        = "invalid"
)

// Metrics bundles every collector on its own registry so tests can create
// as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersReceived    *prometheus.CounterVec   // symbol, side, type
	OrdersRejected    *prometheus.CounterVec   // reason
	TradesExecuted    *prometheus.CounterVec   // symbol
	TradedVolume      *prometheus.CounterVec   // symbol
	ProcessingLatency *prometheus.HistogramVec // type
	QueueOverflow     *prometheus.CounterVec   // queue, policy
	FanoutDropped     *prometheus.CounterVec   // subscriber
	SinkErrors        *prometheus.CounterVec   // sink
	BookDepth         *prometheus.GaugeVec     // symbol, side
	ActiveBooks       prometheus.Gauge
	HaltedBooks       prometheus.Gauge
	DatagramsDropped  *prometheus.CounterVec // reason
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		OrdersReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_received_total",
			Help:      "Orders accepted into the ingestion queue.",
		}, []string{"symbol", "side", "type"}),
		OrdersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Requests answered with success=false, by reason.",
		}, []string{"reason"}),
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Trades executed.",
		}, []string{"symbol"}),
		TradedVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_quantity_total",
			Help:      "Sum of executed trade quantities.",
		}, []string{"symbol"}),
		ProcessingLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_processing_seconds",
			Help:      "Time from receipt to a result being queued for the client.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 18),
		}, []string{"type"}),
		QueueOverflow: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_overflow_total",
			Help:      "Pushes refused or abandoned because a queue was full.",
		}, []string{"queue", "policy"}),
		FanoutDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Executions dropped because a side-effect subscriber fell behind.",
		}, []string{"subscriber"}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed side-effect batches, by sink.",
		}, []string{"sink"}),
		BookDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "book_resting_quantity",
			Help:      "Resting quantity per symbol and side.",
		}, []string{"symbol", "side"}),
		ActiveBooks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "books_active",
			Help:      "Symbols with a live order book.",
		}),
		HaltedBooks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "books_halted",
			Help:      "Symbols halted after an invariant violation.",
		}),
		DatagramsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams discarded before decoding.",
		}, []string{"reason"}),
	}
}

// TrackQueue exports a queue's current length as a gauge.
func (m *Metrics) TrackQueue(name string, length func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_length",
		Help:        "Items waiting in a pipeline queue.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 { return float64(length()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
