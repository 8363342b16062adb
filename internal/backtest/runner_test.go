package backtest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"backtester/internal/market"
	"backtester/internal/strategy"
)

type countingEngine struct {
	calls atomic.Int32
}

func (c *countingEngine) Run(_ context.Context, _ Config, table market.Table, strat strategy.Strategy) (Result, error) {
	c.calls.Add(1)
	return Result{Symbol: table.Symbol, Strategy: strat.Name()}, nil
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	runner, err := NewRunner(strategy.DefaultRegistry(zap.NewNop()), nil, nil)
	require.NoError(t, err)
	return runner
}

var smaSpec = StrategySpec{Type: "moving_average", Params: map[string]any{"short_window": 2, "long_window": 3}}

func TestRunner_UnknownStrategyRunsNothing(t *testing.T) {
	fake := &countingEngine{}
	runner := &Runner{registry: strategy.DefaultRegistry(nil), engine: fake, logger: zap.NewNop()}

	_, err := runner.Run(context.Background(), []market.Table{priceTable("A", 1, 2, 3)}, StrategySpec{Type: "astrology"}, frictionless())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEngine))
	assert.True(t, errors.Is(err, strategy.ErrUnknownStrategy))
	assert.Contains(t, err.Error(), "astrology")
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestRunner_OneStrategyInstancePerTable(t *testing.T) {
	fake := &countingEngine{}
	runner := &Runner{registry: strategy.DefaultRegistry(nil), engine: fake, logger: zap.NewNop()}

	tables := []market.Table{priceTable("A", 1, 2), priceTable("B", 1, 2), priceTable("C", 1, 2)}
	results, err := runner.Run(context.Background(), tables, smaSpec, frictionless())
	require.NoError(t, err)
	assert.Equal(t, int32(3), fake.calls.Load())
	assert.Len(t, results, 3)
}

func TestRunner_PreservesInputOrder(t *testing.T) {
	runner := newTestRunner(t)
	symbols := []string{"A", "B", "C", "D", "E", "F"}
	tables := make([]market.Table, len(symbols))
	for i, s := range symbols {
		tables[i] = priceTable(s, 10, 11, 12, 11, 13, float64(10+i))
	}

	for _, parallel := range []bool{false, true} {
		cfg := frictionless()
		cfg.Parallel = parallel

		results, err := runner.Run(context.Background(), tables, smaSpec, cfg)
		require.NoError(t, err)
		require.Len(t, results, len(symbols))
		for i, res := range results {
			assert.Equal(t, symbols[i], res.Symbol)
			assert.Equal(t, "moving_average", res.Strategy)
		}
	}
}

func TestRunner_AllOrNothing(t *testing.T) {
	runner := newTestRunner(t)
	tables := []market.Table{
		priceTable("GOOD", 1, 2, 3),
		{Symbol: "BAD", Close: []float64{1, 2, 3}},
	}

	for _, parallel := range []bool{false, true} {
		cfg := frictionless()
		cfg.Parallel = parallel

		results, err := runner.Run(context.Background(), tables, smaSpec, cfg)
		require.Error(t, err)
		assert.Nil(t, results)
		assert.Contains(t, err.Error(), "BAD")
		assert.True(t, errors.Is(err, market.ErrDataShape))
	}
}

func TestRunner_InvalidParamsFailBeforeSimulation(t *testing.T) {
	fake := &countingEngine{}
	runner := &Runner{registry: strategy.DefaultRegistry(nil), engine: fake, logger: zap.NewNop()}

	spec := StrategySpec{Type: "moving_average", Params: map[string]any{"short_window": 10, "long_window": 5}}
	_, err := runner.Run(context.Background(), []market.Table{priceTable("A", 1, 2)}, spec, frictionless())
	assert.True(t, errors.Is(err, strategy.ErrStrategy))
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestRunner_RunPartialKeepsSuccesses(t *testing.T) {
	runner := newTestRunner(t)
	tables := []market.Table{
		priceTable("GOOD", 1, 2, 3),
		{Symbol: "BAD", Close: []float64{1, 2, 3}},
		priceTable("ALSO_GOOD", 3, 2, 1),
	}
	cfg := frictionless()
	cfg.Parallel = true

	outcomes, err := runner.RunPartial(context.Background(), tables, smaSpec, cfg)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, "GOOD", outcomes[0].Result.Symbol)
	assert.True(t, errors.Is(outcomes[1].Err, ErrEngine))
	assert.Equal(t, "BAD", outcomes[1].Symbol)
	assert.NoError(t, outcomes[2].Err)
}
