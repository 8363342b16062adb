package backtest

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"backtester/internal/market"
)

// 绩效指标名称。
const (
	MetricTotalReturn          = "total_return"
	MetricCAGR                 = "cagr"
	MetricSharpeRatio          = "sharpe_ratio"
	MetricSortinoRatio         = "sortino_ratio"
	MetricMaxDrawdown          = "max_drawdown"
	MetricCalmarRatio          = "calmar_ratio"
	MetricAnnualizedVolatility = "annualized_volatility"
	MetricBeta                 = "beta"
	MetricAlpha                = "alpha"
	MetricNumTrades            = "num_trades"
	MetricWinRate              = "win_rate"
	MetricAvgReturnPerTrade    = "avg_return_per_trade"
	MetricProfitFactor         = "profit_factor"
)

// MetricNames 为全部指标名称，顺序与报告输出一致。
var MetricNames = []string{
	MetricTotalReturn,
	MetricCAGR,
	MetricSharpeRatio,
	MetricSortinoRatio,
	MetricMaxDrawdown,
	MetricCalmarRatio,
	MetricAnnualizedVolatility,
	MetricBeta,
	MetricAlpha,
	MetricNumTrades,
	MetricWinRate,
	MetricAvgReturnPerTrade,
	MetricProfitFactor,
}

// IsMetric 判断名称是否为已知指标。
func IsMetric(name string) bool {
	for _, m := range MetricNames {
		if m == name {
			return true
		}
	}
	return false
}

// Metrics 记录回测绩效指标。
type Metrics map[string]float64

// DefaultMetrics 返回数据不足时使用的默认指标。
func DefaultMetrics() Metrics {
	return Metrics{
		MetricTotalReturn:          0,
		MetricCAGR:                 0,
		MetricSharpeRatio:          0,
		MetricSortinoRatio:         0,
		MetricMaxDrawdown:          0,
		MetricCalmarRatio:          0,
		MetricAnnualizedVolatility: 0,
		MetricBeta:                 math.NaN(),
		MetricAlpha:                math.NaN(),
		MetricNumTrades:            0,
		MetricWinRate:              0,
		MetricAvgReturnPerTrade:    0,
		MetricProfitFactor:         math.NaN(),
	}
}

// CalculatorOption 配置绩效计算器。
type CalculatorOption func(*Calculator)

// WithRiskFreeRate 设置年化无风险利率。
func WithRiskFreeRate(rate float64) CalculatorOption {
	return func(c *Calculator) {
		c.riskFreeRate = rate
	}
}

// WithPeriodsPerYear 设置每年的交易期数，非正值忽略。
func WithPeriodsPerYear(periods int) CalculatorOption {
	return func(c *Calculator) {
		if periods > 0 {
			c.periodsPerYear = periods
		}
	}
}

// WithBenchmark 设置用于 beta/alpha 的基准收益序列。
func WithBenchmark(benchmark market.Series) CalculatorOption {
	return func(c *Calculator) {
		if benchmark.Len() > 0 {
			c.benchmark = &benchmark
		}
	}
}

// WithLogger 设置日志。
func WithLogger(logger *zap.Logger) CalculatorOption {
	return func(c *Calculator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Calculator 根据组合表计算绩效指标，构造后只读，可并发使用。
type Calculator struct {
	riskFreeRate   float64
	periodsPerYear int
	benchmark      *market.Series
	logger         *zap.Logger
}

// NewCalculator 创建绩效计算器。
func NewCalculator(opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		periodsPerYear: 252,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate 计算全部指标。
//
// 样本统计量均使用 n-1 自由度。仅有一个负收益时下行波动率为 NaN，sortino_ratio
// 随之为 NaN；全部收益为 NaN 时同理。
func (c *Calculator) Calculate(p Portfolio) (Metrics, error) {
	if len(p.Returns) != len(p.Equity) {
		return nil, fmt.Errorf("%w: returns 长度 %d 与 equity 长度 %d 不一致", ErrMetrics, len(p.Returns), len(p.Equity))
	}
	if len(p.Timestamps) > 0 && len(p.Timestamps) != len(p.Equity) {
		return nil, fmt.Errorf("%w: 时间索引长度 %d 与 equity 长度 %d 不一致", ErrMetrics, len(p.Timestamps), len(p.Equity))
	}
	if p.Len() < 2 {
		c.logger.Warn("组合表不足两行，返回默认指标", zap.Int("rows", p.Len()))
		return DefaultMetrics(), nil
	}

	returns, index := dropNaN(p.Returns, p.Timestamps)
	ppy := float64(c.periodsPerYear)
	first, last := p.Equity[0], p.Equity[p.Len()-1]

	totalReturn := 0.0
	if first != 0 {
		totalReturn = last/first - 1
	}

	elapsed := len(returns)
	if p.HasDates() {
		elapsed = int(math.Floor(p.Timestamps[p.Len()-1].Sub(p.Timestamps[0]).Hours() / 24))
	}
	cagr := 0.0
	if first != 0 && elapsed > 0 {
		cagr = math.Pow(last/first, ppy/float64(elapsed)) - 1
	}

	annMean := stat.Mean(returns, nil) * ppy
	annStd := stat.StdDev(returns, nil) * math.Sqrt(ppy)
	sharpe := 0.0
	if annStd != 0 {
		sharpe = (annMean - c.riskFreeRate) / annStd
	}

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	downStd := 0.0
	if len(downside) > 0 {
		downStd = stat.StdDev(downside, nil) * math.Sqrt(ppy)
	}
	sortino := 0.0
	if downStd != 0 {
		sortino = (annMean - c.riskFreeRate) / downStd
	}

	maxDrawdown := drawdown(p.Equity)
	calmar := 0.0
	if maxDrawdown != 0 {
		calmar = cagr / math.Abs(maxDrawdown)
	}

	metrics := Metrics{
		MetricTotalReturn:          totalReturn,
		MetricCAGR:                 cagr,
		MetricSharpeRatio:          sharpe,
		MetricSortinoRatio:         sortino,
		MetricMaxDrawdown:          maxDrawdown,
		MetricCalmarRatio:          calmar,
		MetricAnnualizedVolatility: annStd,
		MetricBeta:                 math.NaN(),
		MetricAlpha:                math.NaN(),
	}
	c.tradeStats(metrics, returns)

	if c.benchmark != nil {
		aligned := c.benchmark.Align(index, len(returns))
		beta := math.NaN()
		if variance := stat.Variance(aligned, nil); variance != 0 {
			beta = stat.Covariance(returns, aligned, nil) / variance
		}
		annBench := stat.Mean(aligned, nil) * ppy
		metrics[MetricBeta] = beta
		metrics[MetricAlpha] = annMean - (c.riskFreeRate + beta*(annBench-c.riskFreeRate))
	}

	c.logger.Debug("绩效指标计算完成",
		zap.Int("rows", p.Len()),
		zap.Float64("total_return", totalReturn),
		zap.Float64("sharpe", sharpe),
		zap.Float64("max_drawdown", maxDrawdown),
	)
	return metrics, nil
}

func (c *Calculator) tradeStats(metrics Metrics, returns []float64) {
	var (
		trades      int
		wins        int
		sum         float64
		grossProfit float64
		grossLoss   float64
	)
	for _, r := range returns {
		if r == 0 {
			continue
		}
		trades++
		sum += r
		if r > 0 {
			wins++
			grossProfit += r
		} else {
			grossLoss += r
		}
	}

	metrics[MetricNumTrades] = float64(trades)
	if trades == 0 {
		c.logger.Warn("无交易，交易类指标使用默认值")
		metrics[MetricWinRate] = 0
		metrics[MetricAvgReturnPerTrade] = 0
		metrics[MetricProfitFactor] = math.NaN()
		return
	}

	metrics[MetricWinRate] = float64(wins) / float64(trades)
	metrics[MetricAvgReturnPerTrade] = sum / float64(trades)
	if grossLoss == 0 {
		metrics[MetricProfitFactor] = math.Inf(1)
	} else {
		metrics[MetricProfitFactor] = grossProfit / math.Abs(grossLoss)
	}
}

// drawdown 返回最大回撤，结果限定在 [-1, 0]。
func drawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := math.Inf(-1)
	worst := 0.0
	for _, v := range equity {
		if math.IsNaN(v) {
			continue
		}
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (v - peak) / peak; dd < worst {
			worst = dd
		}
	}
	return math.Max(worst, -1)
}

func dropNaN(values []float64, timestamps []time.Time) ([]float64, []time.Time) {
	withIndex := len(timestamps) == len(values)
	out := make([]float64, 0, len(values))
	var index []time.Time
	if withIndex {
		index = make([]time.Time, 0, len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		out = append(out, v)
		if withIndex {
			index = append(index, timestamps[i])
		}
	}
	return out, index
}
