package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"backtester/internal/backtest"
	"backtester/internal/config"
	"backtester/internal/monitor"
	"backtester/internal/store"
)

func writePrices(t *testing.T, dir, symbol string, n int, phase float64) {
	t.Helper()
	var b strings.Builder
	b.WriteString("Date,Open,High,Low,Close,Adj Close,Volume\n")
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price := 100 + 10*math.Sin(float64(i)/6+phase) + float64(i)*0.1
		fmt.Fprintf(&b, "%s,%.4f,%.4f,%.4f,%.4f,%.4f,%d\n",
			start.AddDate(0, 0, i).Format(time.DateOnly), price, price+1, price-1, price, price, 1000+i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, symbol+".csv"), []byte(b.String()), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	csvDir := t.TempDir()
	writePrices(t, csvDir, "AAA", 120, 0)
	writePrices(t, csvDir, "BBB", 120, 1.5)
	writePrices(t, csvDir, "SPY", 120, 0.7)

	return &config.Config{
		App: config.AppConfig{Environment: "test"},
		Data: config.DataConfig{
			Source:    "csv",
			CSVDir:    csvDir,
			Symbols:   []string{"AAA", "MISSING", "BBB"},
			Timeframe: "1d",
			Cache:     true,
		},
		Strategy: config.StrategyConfig{
			Type:   "moving_average",
			Params: map[string]any{"short_window": 5, "long_window": 20},
		},
		Backtest: config.BacktestConfig{InitialCapital: 100000, Commission: 0.001, Parallel: true},
		Metrics:  config.MetricsConfig{TradingPeriodsPerYear: 252, BenchmarkSymbol: "SPY"},
		Optimization: config.OptimizationConfig{
			ParamGrid:       map[string][]any{"short_window": {3, 5}, "long_window": {20, 30}},
			ObjectiveMetric: "sharpe_ratio",
			MaxWorkers:      2,
		},
		Report: config.ReportConfig{OutputDir: t.TempDir(), WriteCSV: true},
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeBacktest, mode)

	mode, err = ParseMode(" Optimize ")
	require.NoError(t, err)
	assert.Equal(t, ModeOptimize, mode)

	_, err = ParseMode("live")
	assert.Error(t, err)
}

func TestRun_Backtest(t *testing.T) {
	cfg := testConfig(t)
	s := newStore(t)

	require.NoError(t, New(cfg, zap.NewNop(), s).Run(context.Background(), ModeBacktest))

	summary, err := os.ReadFile(filepath.Join(cfg.Report.OutputDir, "summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "AAA")
	assert.Contains(t, string(summary), "BBB")
	assert.NotContains(t, string(summary), "MISSING")
	assert.Contains(t, string(summary), "市场状态")
	assert.Contains(t, string(summary), "long_window=20,short_window=5")

	for _, symbol := range []string{"AAA", "BBB"} {
		_, err := os.Stat(filepath.Join(cfg.Report.OutputDir, symbol+"_portfolio.csv"))
		assert.NoError(t, err)
	}

	svc, err := monitor.NewService(s, nil)
	require.NoError(t, err)
	events, err := svc.ListEvents(context.Background(), monitor.EventBacktest, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEffectiveParams(t *testing.T) {
	results := []backtest.Result{
		{Symbol: "AAA"},
		{Symbol: "BBB", Params: map[string]any{"short_window": 5, "long_window": 200}},
	}
	assert.Equal(t, "long_window=200,short_window=5", effectiveParams(results, map[string]any{"short_window": 5}))
	assert.Equal(t, "short_window=5", effectiveParams(nil, map[string]any{"Short_Window": 5}))
}

func TestRun_Optimize(t *testing.T) {
	cfg := testConfig(t)
	s := newStore(t)

	require.NoError(t, New(cfg, zap.NewNop(), s).Run(context.Background(), ModeOptimize))

	text, err := os.ReadFile(filepath.Join(cfg.Report.OutputDir, "optimization.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(text), "最优参数")
	assert.Contains(t, string(text), "long_window=20,short_window=3")

	svc, err := monitor.NewService(s, nil)
	require.NoError(t, err)
	events, err := svc.ListEvents(context.Background(), monitor.EventOptimization, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRun_RecordsFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.Type = "does_not_exist"
	s := newStore(t)

	err := New(cfg, zap.NewNop(), s).Run(context.Background(), ModeBacktest)
	require.Error(t, err)

	svc, err := monitor.NewService(s, nil)
	require.NoError(t, err)
	events, err := svc.ListEvents(context.Background(), monitor.EventError, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
