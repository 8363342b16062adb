package backtest

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/internal/market"
)

func portfolioFromReturns(initial float64, returns ...float64) Portfolio {
	equity := make([]float64, len(returns))
	value := initial
	for i, r := range returns {
		value *= 1 + r
		equity[i] = value
	}
	return Portfolio{Returns: returns, Equity: equity}
}

func sampleStd(values []float64) float64 {
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

func TestCalculate_DefaultsForShortPortfolio(t *testing.T) {
	m, err := NewCalculator().Calculate(portfolioFromReturns(100, 0))
	require.NoError(t, err)

	for _, name := range MetricNames {
		switch name {
		case MetricBeta, MetricAlpha, MetricProfitFactor:
			assert.True(t, math.IsNaN(m[name]), name)
		default:
			assert.Equal(t, 0.0, m[name], name)
		}
	}
}

func TestCalculate_MalformedPortfolio(t *testing.T) {
	_, err := NewCalculator().Calculate(Portfolio{Returns: []float64{0, 1}, Equity: []float64{1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMetrics))
}

func TestCalculate_Formulas(t *testing.T) {
	returns := []float64{0, 0.1, -0.05, 0.02}
	p := portfolioFromReturns(1000, returns...)

	m, err := NewCalculator().Calculate(p)
	require.NoError(t, err)

	ppy := 252.0
	mean := (0 + 0.1 - 0.05 + 0.02) / 4
	std := sampleStd(returns)
	total := p.Equity[3]/p.Equity[0] - 1

	assert.InDelta(t, total, m[MetricTotalReturn], 1e-12)
	assert.InDelta(t, math.Pow(p.Equity[3]/p.Equity[0], ppy/4)-1, m[MetricCAGR], 1e-6)
	assert.InDelta(t, mean*ppy/(std*math.Sqrt(ppy)), m[MetricSharpeRatio], 1e-9)
	assert.InDelta(t, std*math.Sqrt(ppy), m[MetricAnnualizedVolatility], 1e-9)
	assert.InDelta(t, -0.05, m[MetricMaxDrawdown], 1e-12)
	assert.InDelta(t, m[MetricCAGR]/0.05, m[MetricCalmarRatio], 1e-6)

	assert.Equal(t, 3.0, m[MetricNumTrades])
	assert.InDelta(t, 2.0/3.0, m[MetricWinRate], 1e-12)
	assert.InDelta(t, 0.07/3, m[MetricAvgReturnPerTrade], 1e-12)
	assert.InDelta(t, 0.12/0.05, m[MetricProfitFactor], 1e-12)

	// 仅一个负收益时样本标准差无定义
	assert.True(t, math.IsNaN(m[MetricSortinoRatio]))
	assert.True(t, math.IsNaN(m[MetricBeta]))
}

func TestCalculate_SortinoUsesDownsideDeviation(t *testing.T) {
	returns := []float64{0, 0.03, -0.01, -0.03, 0.02}
	m, err := NewCalculator(WithRiskFreeRate(0.01)).Calculate(portfolioFromReturns(1, returns...))
	require.NoError(t, err)

	annMean := (0.03 - 0.01 - 0.03 + 0.02) / 5 * 252
	downStd := sampleStd([]float64{-0.01, -0.03}) * math.Sqrt(252)
	assert.InDelta(t, (annMean-0.01)/downStd, m[MetricSortinoRatio], 1e-9)
}

func TestCalculate_ProfitFactorEdges(t *testing.T) {
	winners, err := NewCalculator().Calculate(portfolioFromReturns(1, 0, 0.01, 0.02))
	require.NoError(t, err)
	assert.True(t, math.IsInf(winners[MetricProfitFactor], 1))
	assert.Equal(t, 1.0, winners[MetricWinRate])

	idle, err := NewCalculator().Calculate(portfolioFromReturns(1, 0, 0, 0))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(idle[MetricProfitFactor]))
	assert.Equal(t, 0.0, idle[MetricNumTrades])
	assert.Equal(t, 0.0, idle[MetricSharpeRatio])
	assert.Equal(t, 0.0, idle[MetricMaxDrawdown])
}

func TestCalculate_CalendarDaysForCAGR(t *testing.T) {
	p := portfolioFromReturns(100, 0, 0.1)
	p.Timestamps = []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
	}

	m, err := NewCalculator(WithPeriodsPerYear(365)).Calculate(p)
	require.NoError(t, err)
	assert.InDelta(t, math.Pow(1.1, 365.0/10)-1, m[MetricCAGR], 1e-9)
}

func TestCalculate_BenchmarkBetaAlpha(t *testing.T) {
	returns := []float64{0, 0.01, -0.02, 0.015, 0.005}
	p := portfolioFromReturns(1, returns...)

	same, err := NewCalculator(WithBenchmark(market.Series{Values: returns})).Calculate(p)
	require.NoError(t, err)
	assert.InDelta(t, 1, same[MetricBeta], 1e-12)
	assert.InDelta(t, 0, same[MetricAlpha], 1e-12)

	doubled := make([]float64, len(returns))
	for i, r := range returns {
		doubled[i] = 2 * r
	}
	half, err := NewCalculator(WithBenchmark(market.Series{Values: doubled})).Calculate(p)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, half[MetricBeta], 1e-12)

	flat, err := NewCalculator(WithBenchmark(market.Series{Values: []float64{0, 0, 0, 0, 0}})).Calculate(p)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(flat[MetricBeta]))
	assert.True(t, math.IsNaN(flat[MetricAlpha]))
}

func TestDrawdown_Clamped(t *testing.T) {
	assert.Equal(t, 0.0, drawdown(nil))
	assert.Equal(t, -1.0, drawdown([]float64{100, -50}))
	assert.InDelta(t, -0.5, drawdown([]float64{100, 200, 100, 150}), 1e-12)
}
