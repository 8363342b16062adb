package strategy

import (
	"math"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"backtester/internal/indicator"
	"backtester/internal/market"
)

// rollingRSI 以简单滚动均值计算 RSI。窗口内无下跌时上涨为 100，无涨无跌为 50。
func rollingRSI(prices []float64, period int) []float64 {
	n := len(prices)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		delta := prices[i] - prices[i-1]
		switch {
		case math.IsNaN(delta):
			gains[i], losses[i] = math.NaN(), math.NaN()
		case delta > 0:
			gains[i] = delta
		default:
			losses[i] = -delta
		}
	}

	avgGain := indicator.RollingMean(gains, period, period)
	avgLoss := indicator.RollingMean(losses, period, period)

	out := indicator.NaNs(n)
	for i := range out {
		g, l := avgGain[i], avgLoss[i]
		switch {
		case math.IsNaN(g) || math.IsNaN(l):
		case l == 0 && g > 0:
			out[i] = 100
		case l == 0:
			out[i] = 50
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}

var rsiDef = definition{
	name: "rsi",
	defaults: map[string]any{
		"period":     14,
		"overbought": 70.0,
		"oversold":   30.0,
	},
	validate: func(p Params) error {
		if err := periods(p, "period"); err != nil {
			return err
		}
		if err := within(p, 0, 100, "overbought", "oversold"); err != nil {
			return err
		}
		return ordered(p, "oversold", "overbought")
	},
}

// RSI 超卖做多，超买做空。
type RSI struct {
	base
}

// NewRSI 创建 RSI 策略。
func NewRSI(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := rsiDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &RSI{base: b}, nil
}

func (s *RSI) GenerateSignals(table market.Table) ([]float64, error) {
	if err := s.require(table, market.ColumnAdjClose); err != nil {
		return nil, err
	}
	prices, _ := table.Column(market.ColumnAdjClose)
	period := s.params.Int("period")
	if len(prices) < period+1 {
		return s.neutral(table, period+1), nil
	}

	rsi := rollingRSI(prices, period)
	oversold, overbought := s.params.Float("oversold"), s.params.Float("overbought")

	buy := make([]bool, len(rsi))
	sell := make([]bool, len(rsi))
	for i, v := range rsi {
		buy[i] = v < oversold
		sell[i] = v > overbought
	}
	return s.emit(table, market.ColumnAdjClose, buy, sell), nil
}

var enhancedRSIDef = definition{
	name: "enhanced_rsi",
	defaults: map[string]any{
		"rsi_period":              2,
		"overbought":              85.0,
		"oversold":                15.0,
		"use_trend_filter":        true,
		"long_ma_period":          200,
		"use_volume_confirmation": true,
		"vol_ma_period":           50,
		"price_column":            market.ColumnAdjClose,
		"volume_column":           market.ColumnVolume,
	},
	validate: func(p Params) error {
		if err := periods(p, "rsi_period", "long_ma_period", "vol_ma_period"); err != nil {
			return err
		}
		if err := within(p, 0, 100, "overbought", "oversold"); err != nil {
			return err
		}
		return ordered(p, "oversold", "overbought")
	},
}

// EnhancedRSI 短周期 RSI 穿越阈值，可叠加长期趋势与成交量确认。
type EnhancedRSI struct {
	base
}

// NewEnhancedRSI 创建增强 RSI 策略。
func NewEnhancedRSI(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := enhancedRSIDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &EnhancedRSI{base: b}, nil
}

func (s *EnhancedRSI) GenerateSignals(table market.Table) ([]float64, error) {
	volumeColumn := market.NormalizeColumn(s.params.String("volume_column"))
	if err := s.require(table, volumeColumn); err != nil {
		return nil, err
	}
	prices, column, err := s.price(table)
	if err != nil {
		return nil, err
	}
	period := s.params.Int("rsi_period")
	if len(prices) < period+1 {
		return s.neutral(table, period+1), nil
	}

	rsi := indicator.MaskLookback(talib.Rsi(prices, period), period)
	oversold, overbought := s.params.Float("oversold"), s.params.Float("overbought")

	buy := make([]bool, len(prices))
	sell := make([]bool, len(prices))
	for i := 1; i < len(prices); i++ {
		buy[i] = rsi[i] < oversold && rsi[i-1] >= oversold
		sell[i] = rsi[i] > overbought && rsi[i-1] <= overbought
	}

	if s.params.Bool("use_trend_filter") {
		trend := indicator.RollingMean(prices, s.params.Int("long_ma_period"), 0)
		for i := range buy {
			buy[i] = buy[i] && prices[i] > trend[i]
		}
	}

	if s.params.Bool("use_volume_confirmation") {
		volume, _ := table.Column(volumeColumn)
		avg := indicator.RollingMean(volume, s.params.Int("vol_ma_period"), 0)
		for i := range buy {
			confirmed := volume[i] > avg[i]
			buy[i] = buy[i] && confirmed
			sell[i] = sell[i] && confirmed
		}
	}
	return s.emit(table, column, buy, sell), nil
}

var stochasticDef = definition{
	name: "stochastic",
	defaults: map[string]any{
		"fastk_period": 5,
		"slowk_period": 3,
		"slowd_period": 3,
		"overbought":   80.0,
		"oversold":     20.0,
		"price_column": market.ColumnAdjClose,
	},
	validate: func(p Params) error {
		if err := periods(p, "fastk_period", "slowk_period", "slowd_period"); err != nil {
			return err
		}
		if err := within(p, 0, 100, "overbought", "oversold"); err != nil {
			return err
		}
		return ordered(p, "oversold", "overbought")
	},
}

// Stochastic 在超卖区 %K 上穿 %D 做多，在超买区下穿做空。
type Stochastic struct {
	base
}

// NewStochastic 创建随机指标策略。
func NewStochastic(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := stochasticDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &Stochastic{base: b}, nil
}

func (s *Stochastic) GenerateSignals(table market.Table) ([]float64, error) {
	if err := s.require(table, market.ColumnHigh, market.ColumnLow); err != nil {
		return nil, err
	}
	prices, column, err := s.price(table)
	if err != nil {
		return nil, err
	}

	fastK := s.params.Int("fastk_period")
	slowK := s.params.Int("slowk_period")
	slowD := s.params.Int("slowd_period")
	lookback := fastK - 1 + slowK - 1 + slowD - 1
	need := max(fastK, slowK, slowD) + 1
	if len(prices) < need || len(prices) <= lookback+1 {
		return s.neutral(table, max(need, lookback+2)), nil
	}

	high, _ := table.Column(market.ColumnHigh)
	low, _ := table.Column(market.ColumnLow)
	k, d := talib.Stoch(high, low, prices, fastK, slowK, talib.SMA, slowD, talib.SMA)
	k = indicator.MaskLookback(k, lookback)
	d = indicator.MaskLookback(d, lookback)

	oversold, overbought := s.params.Float("oversold"), s.params.Float("overbought")
	buy := indicator.CrossAbove(k, d)
	sell := indicator.CrossBelow(k, d)
	for i := range buy {
		buy[i] = buy[i] && k[i] < oversold && d[i] < oversold
		sell[i] = sell[i] && k[i] > overbought && d[i] > overbought
	}
	return s.emit(table, column, buy, sell), nil
}

var cciDef = definition{
	name: "commodity_channel_index",
	defaults: map[string]any{
		"period":       20,
		"overbought":   100.0,
		"oversold":     -100.0,
		"price_column": market.ColumnAdjClose,
	},
	validate: func(p Params) error {
		if err := periods(p, "period"); err != nil {
			return err
		}
		return ordered(p, "oversold", "overbought")
	},
}

// CCI 顺势指标跌入超卖区做多，升入超买区做空。
type CCI struct {
	base
}

// NewCCI 创建 CCI 策略。
func NewCCI(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := cciDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &CCI{base: b}, nil
}

func (s *CCI) GenerateSignals(table market.Table) ([]float64, error) {
	if err := s.require(table, market.ColumnHigh, market.ColumnLow); err != nil {
		return nil, err
	}
	prices, column, err := s.price(table)
	if err != nil {
		return nil, err
	}
	period := s.params.Int("period")
	if len(prices) < period+1 {
		return s.neutral(table, period+1), nil
	}

	high, _ := table.Column(market.ColumnHigh)
	low, _ := table.Column(market.ColumnLow)
	cci := indicator.MaskLookback(talib.Cci(high, low, prices, period), period-1)

	oversold, overbought := s.params.Float("oversold"), s.params.Float("overbought")
	buy := make([]bool, len(cci))
	sell := make([]bool, len(cci))
	for i := 1; i < len(cci); i++ {
		buy[i] = cci[i] < oversold && cci[i-1] >= oversold
		sell[i] = cci[i] > overbought && cci[i-1] <= overbought
	}
	return s.emit(table, column, buy, sell), nil
}
