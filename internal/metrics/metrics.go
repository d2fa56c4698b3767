// Package metrics provides Prometheus metrics for the execution bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "execbot"

var (
	// OrdersTotal counts orders sent to the execution engine.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders sent, by type, side and status.",
	}, []string{"type", "side", "status"})

	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_total",
		Help:      "Signals consumed, by position.",
	}, []string{"position"})

	EntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entries_total",
		Help:      "Entry attempts, by schedule and outcome.",
	}, []string{"schedule", "outcome"})

	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "risk_rejections_total",
		Help:      "Entries vetoed by the risk guard, by reason.",
	}, []string{"reason"})

	QuotaUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quota_used",
		Help:      "Entries used today per schedule.",
	}, []string{"schedule"})

	FillResolveAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fill_resolve_attempts",
		Help:      "Polls needed to resolve a fill price.",
		Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
	})

	FillResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fill_resolve_total",
		Help:      "Fill price resolutions, by outcome.",
	}, []string{"outcome"})

	TakeProfitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "take_profit_total",
		Help:      "Take-profit placements, by outcome.",
	}, []string{"outcome"})

	FlattensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flattens_total",
		Help:      "Flatten operations, by reason.",
	}, []string{"reason"})

	CurrentPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_position",
		Help:      "Current direction per instrument (-1, 0, 1).",
	}, []string{"instrument"})

	PnLDay = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pnl_day",
		Help:      "Realized P&L today, in account currency.",
	})

	DailyLimitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "daily_limits_total",
		Help:      "Daily P&L limits reached, by limit.",
	}, []string{"limit"})

	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "order_latency_seconds",
		Help:      "Execution engine place-order latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last loop iteration.",
	})

	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 when the execution engine is connected.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors, by type.",
	}, []string{"type"})
)
