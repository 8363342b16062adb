package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/backtest"
	"backtester/internal/config"
	"backtester/internal/feature"
	"backtester/internal/optimize"
)

func samplePortfolio() backtest.Portfolio {
	return backtest.Portfolio{
		Timestamps: []time.Time{
			time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		},
		Signal:   []float64{1, 1},
		Position: []float64{0, 1},
		Turnover: []float64{0, 0},
		Returns:  []float64{0, 0.01},
		Holdings: []float64{0, 101000},
		Cash:     []float64{100000, 0},
		Equity:   []float64{100000, 101000},
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	err := WriteSummary(&buf, "rsi", "period=14", []backtest.Result{
		{Symbol: "AAPL", Portfolio: samplePortfolio(), Metrics: backtest.Metrics{backtest.MetricTotalReturn: 0.01}},
	})
	require.NoError(t, err)

	text := buf.String()
	assert.Contains(t, text, "策略: rsi")
	assert.Contains(t, text, "参数: period=14")
	assert.Regexp(t, `final_equity\s+101000\.00`, text)
	assert.Regexp(t, `total_return\s+0\.0100`, text)
	assert.Regexp(t, `sharpe_ratio\s+NaN`, text)
}

func TestWritePortfolioCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePortfolioCSV(&buf, samplePortfolio()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "timestamp", records[0][0])
	assert.Equal(t, []string{"2024-01-03T00:00:00Z", "1", "1", "0", "0.01", "101000", "0", "101000"}, records[2])

	buf.Reset()
	p := samplePortfolio()
	p.Timestamps = nil
	require.NoError(t, WritePortfolioCSV(&buf, p))
	assert.True(t, strings.HasPrefix(buf.String(), "index,"))
}

func TestWriteOptimizationSummary(t *testing.T) {
	var buf bytes.Buffer
	err := WriteOptimizationSummary(&buf, "moving_average", optimize.Objective{Metric: "sharpe_ratio", Negate: true}, optimize.Outcome{
		Best:      map[string]any{"short_window": 5},
		BestScore: 1.2,
		Trials: []optimize.Trial{
			{Params: map[string]any{"short_window": 5}, Score: 1.2},
			{Params: map[string]any{"short_window": 500}, Score: math.Inf(-1), Err: errors.New("window too large")},
		},
	})
	require.NoError(t, err)

	text := buf.String()
	assert.Contains(t, text, "最优参数: short_window=5")
	assert.Contains(t, text, "-Inf")
	assert.Contains(t, text, "window too large")
}

func TestWriter_WriteBacktest(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(config.ReportConfig{OutputDir: dir, WriteCSV: true}, nil)

	paths, err := w.WriteBacktest("rsi", "", []backtest.Result{
		{Symbol: "BTC/USDT", Portfolio: samplePortfolio(), Metrics: backtest.DefaultMetrics()},
	}, []feature.Regime{{Symbol: "BTC/USDT", EMARank: "mixed_alignment", TrendStrength: "range", RSIState: "neutral"}}, "[MIXED] 一般")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "BTC_USDT_portfolio.csv"), paths[1])

	summary, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(summary), "模型解读")
	assert.Contains(t, string(summary), "市场状态")
	assert.Contains(t, string(summary), "mixed_alignment")

	_, err = os.Stat(paths[1])
	assert.NoError(t, err)
}
