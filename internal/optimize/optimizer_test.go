package optimize

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/backtest"
	"backtester/internal/market"
	"backtester/internal/strategy"
)

type scriptedRunner struct {
	block  bool
	metric float64
}

func (s scriptedRunner) Run(ctx context.Context, _ []market.Table, spec backtest.StrategySpec, _ backtest.Config) ([]backtest.Result, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.metric != 0 {
		return []backtest.Result{{Metrics: backtest.Metrics{backtest.MetricProfitFactor: s.metric}}}, nil
	}
	score := cast.ToFloat64(spec.Params["x"])
	return []backtest.Result{
		{Metrics: backtest.Metrics{backtest.MetricSharpeRatio: score}},
		{Metrics: backtest.Metrics{backtest.MetricSharpeRatio: score + 2}},
	}, nil
}

func trendingTables() []market.Table {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	build := func(symbol string, drift float64) market.Table {
		candles := make([]market.Candle, 40)
		for i := range candles {
			p := 100 * math.Pow(1+drift, float64(i)) * (1 + 0.02*math.Sin(float64(i)))
			candles[i] = market.Candle{Timestamp: start.AddDate(0, 0, i), Close: p, AdjClose: p}
		}
		return market.NewTable(symbol, candles)
	}
	return []market.Table{build("UP", 0.01), build("DOWN", -0.005)}
}

func newOptimizer(t *testing.T, grid Grid, objective string, opts ...Option) *Optimizer {
	t.Helper()
	registry := strategy.DefaultRegistry(nil)
	runner, err := backtest.NewRunner(registry, nil, nil)
	require.NoError(t, err)
	o, err := New(runner, registry, "moving_average", grid, objective, trendingTables(), backtest.Config{InitialCapital: 10000}, opts...)
	require.NoError(t, err)
	return o
}

func TestGrid_CombinationsOrder(t *testing.T) {
	grid := Grid{"b": {1, 2}, "a": {"x", "y"}}
	assert.Equal(t, 4, grid.Size())
	assert.Equal(t, []map[string]any{
		{"a": "x", "b": 1},
		{"a": "x", "b": 2},
		{"a": "y", "b": 1},
		{"a": "y", "b": 2},
	}, grid.Combinations())

	assert.Error(t, Grid{}.Validate())
	assert.Error(t, Grid{"a": {}}.Validate())
	assert.Nil(t, Grid{}.Combinations())
}

func TestParseObjective(t *testing.T) {
	obj, err := ParseObjective("-max_drawdown")
	require.NoError(t, err)
	assert.Equal(t, Objective{Metric: backtest.MetricMaxDrawdown, Negate: true}, obj)
	assert.Equal(t, "-max_drawdown", obj.String())

	_, err = ParseObjective("happiness")
	assert.Error(t, err)
}

func TestObjective_Score(t *testing.T) {
	results := []backtest.Result{
		{Metrics: backtest.Metrics{backtest.MetricMaxDrawdown: -0.2}},
		{Metrics: backtest.Metrics{backtest.MetricMaxDrawdown: -0.4}},
	}
	assert.InDelta(t, 0.3, Objective{Metric: backtest.MetricMaxDrawdown, Negate: true}.Score(results), 1e-12)

	withNaN := []backtest.Result{{Metrics: backtest.Metrics{backtest.MetricBeta: math.NaN()}}}
	assert.True(t, math.IsInf(Objective{Metric: backtest.MetricBeta}.Score(withNaN), -1))
}

func TestNew_RejectsBadInputs(t *testing.T) {
	registry := strategy.DefaultRegistry(nil)
	runner, err := backtest.NewRunner(registry, nil, nil)
	require.NoError(t, err)
	cfg := backtest.Config{InitialCapital: 1}

	_, err = New(runner, registry, "moving_average", Grid{}, "sharpe_ratio", nil, cfg)
	assert.Error(t, err)

	_, err = New(runner, registry, "tea_leaves", Grid{"a": {1}}, "sharpe_ratio", nil, cfg)
	assert.True(t, errors.Is(err, strategy.ErrUnknownStrategy))

	_, err = New(runner, registry, "moving_average", Grid{"a": {1}}, "luck", nil, cfg)
	assert.Error(t, err)
}

func TestOptimize_PicksMaximum(t *testing.T) {
	o := newOptimizer(t, Grid{"short_window": {2, 3}, "long_window": {5, 8}}, "total_return", WithMaxWorkers(2))

	outcome, err := o.Optimize(context.Background())
	require.NoError(t, err)
	require.Len(t, outcome.Trials, 4)

	scores := outcome.Scores()
	best := math.Inf(-1)
	for _, s := range scores {
		best = math.Max(best, s)
	}
	assert.Equal(t, best, outcome.BestScore)
	assert.Contains(t, []any{2, 3}, outcome.Best["short_window"])
	assert.Equal(t, map[string]any{"long_window": 5, "short_window": 2}, outcome.Trials[0].Params)
}

func TestOptimize_FailedCombinationsScoreNegativeInfinity(t *testing.T) {
	o := newOptimizer(t, Grid{"short_window": {10, 2}, "long_window": {5}}, "sharpe_ratio")

	outcome, err := o.Optimize(context.Background())
	require.NoError(t, err)
	assert.True(t, math.IsInf(outcome.Trials[0].Score, -1))
	assert.True(t, errors.Is(outcome.Trials[0].Err, strategy.ErrStrategy))
	assert.Equal(t, 2, outcome.Best["short_window"])
}

func TestOptimize_AllCombinationsFail(t *testing.T) {
	o := newOptimizer(t, Grid{"short_window": {10, 20}, "long_window": {5}}, "sharpe_ratio")

	outcome, err := o.Optimize(context.Background())
	assert.True(t, errors.Is(err, ErrNoViableCombination))
	assert.Len(t, outcome.Trials, 2)
}

func TestOptimize_AveragesAcrossInstrumentsAndNegates(t *testing.T) {
	o := newOptimizer(t, Grid{"x": {1, 5, 3}}, "sharpe_ratio", WithBaseParams(map[string]any{"x": 100}))
	o.runner = scriptedRunner{}

	outcome, err := o.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 6, 4}, outcome.Scores())
	assert.Equal(t, 5, outcome.Best["x"])

	o.objective = Objective{Metric: backtest.MetricSharpeRatio, Negate: true}
	outcome, err = o.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Best["x"])
	assert.Equal(t, -2.0, outcome.BestScore)
}

func TestOptimize_TimeoutIsFailure(t *testing.T) {
	o := newOptimizer(t, Grid{"x": {1, 2}}, "sharpe_ratio", WithTimeout(10*time.Millisecond))
	o.runner = scriptedRunner{block: true}

	outcome, err := o.Optimize(context.Background())
	assert.True(t, errors.Is(err, ErrNoViableCombination))
	for _, trial := range outcome.Trials {
		assert.True(t, errors.Is(trial.Err, context.DeadlineExceeded))
		assert.True(t, math.IsInf(trial.Score, -1))
	}
}

func TestOptimize_NegativeInfinityScoreStillWins(t *testing.T) {
	// 全部交易盈利时 profit_factor 为 +Inf，最小化后得分为 -Inf
	o := newOptimizer(t, Grid{"x": {1, 2}}, "-profit_factor")
	o.runner = scriptedRunner{metric: math.Inf(1)}

	outcome, err := o.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Best["x"])
	assert.True(t, math.IsInf(outcome.BestScore, -1))
	for _, trial := range outcome.Trials {
		assert.NoError(t, trial.Err)
	}
}

func TestOptimize_CancelledParentContext(t *testing.T) {
	o := newOptimizer(t, Grid{"x": {1, 2, 3}}, "sharpe_ratio")
	o.runner = scriptedRunner{block: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := o.Optimize(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrNoViableCombination))
	assert.Len(t, outcome.Trials, 3)
}
