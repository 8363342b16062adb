package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BacktestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backtester",
			Name:      "backtests_total",
			Help:      "Backtests executed by strategy and status",
		},
		[]string{"strategy", "status"},
	)

	BacktestTotalReturn = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "backtester",
			Name:      "backtest_total_return",
			Help:      "Total return of the most recent backtest per symbol",
		},
		[]string{"symbol", "strategy"},
	)

	BacktestSharpe = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "backtester",
			Name:      "backtest_sharpe_ratio",
			Help:      "Sharpe ratio of the most recent backtest per symbol",
		},
		[]string{"symbol", "strategy"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "backtester",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of backtest and optimize runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"mode"},
	)

	OptimizationTrialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backtester",
			Name:      "optimization_trials_total",
			Help:      "Parameter combinations evaluated by status",
		},
		[]string{"strategy", "status"},
	)
)
