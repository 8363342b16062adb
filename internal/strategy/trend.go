package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"backtester/internal/indicator"
	"backtester/internal/market"
)

var movingAverageDef = definition{
	name: "moving_average",
	defaults: map[string]any{
		"short_window": 50,
		"long_window":  200,
	},
	validate: func(p Params) error {
		if err := periods(p, "short_window", "long_window"); err != nil {
			return err
		}
		return ordered(p, "short_window", "long_window")
	},
}

// MovingAverage 双均线策略：短均线在长均线之上做多，否则做空。
type MovingAverage struct {
	base
}

// NewMovingAverage 创建双均线策略。
func NewMovingAverage(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := movingAverageDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &MovingAverage{base: b}, nil
}

// GenerateSignals 均线窗口允许部分填充，因此每一行都会给出 1 或 -1。
func (s *MovingAverage) GenerateSignals(table market.Table) ([]float64, error) {
	if err := s.require(table, market.ColumnAdjClose); err != nil {
		return nil, err
	}
	prices, _ := table.Column(market.ColumnAdjClose)

	short := indicator.RollingMean(prices, s.params.Int("short_window"), 1)
	long := indicator.RollingMean(prices, s.params.Int("long_window"), 1)

	buy := make([]bool, len(prices))
	sell := make([]bool, len(prices))
	for i := range prices {
		buy[i] = short[i] > long[i]
		sell[i] = !buy[i]
	}
	return s.emit(table, market.ColumnAdjClose, buy, sell), nil
}

var macdDef = definition{
	name: "macd",
	defaults: map[string]any{
		"fast_period":                12,
		"slow_period":                26,
		"signal_period":              9,
		"use_histogram_confirmation": false,
		"price_column":               market.ColumnAdjClose,
	},
	validate: func(p Params) error {
		if err := periods(p, "fast_period", "slow_period", "signal_period"); err != nil {
			return err
		}
		return ordered(p, "fast_period", "slow_period")
	},
}

// MACD 在 MACD 线上穿信号线时做多，下穿时做空。
type MACD struct {
	base
}

// NewMACD 创建 MACD 策略。
func NewMACD(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := macdDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &MACD{base: b}, nil
}

func (s *MACD) GenerateSignals(table market.Table) ([]float64, error) {
	prices, column, err := s.price(table)
	if err != nil {
		return nil, err
	}

	fast := s.params.Int("fast_period")
	slow := s.params.Int("slow_period")
	signal := s.params.Int("signal_period")
	lookback := slow - 1 + signal - 1
	if len(prices) <= lookback+1 {
		return s.neutral(table, lookback+2), nil
	}

	macd, sig, hist := talib.Macd(prices, fast, slow, signal)
	macd = indicator.MaskLookback(macd, lookback)
	sig = indicator.MaskLookback(sig, lookback)

	buy := indicator.CrossAbove(macd, sig)
	sell := indicator.CrossBelow(macd, sig)
	if s.params.Bool("use_histogram_confirmation") {
		for i := range buy {
			buy[i] = buy[i] && hist[i] > 0
			sell[i] = sell[i] && hist[i] < 0
		}
	}
	return s.emit(table, column, buy, sell), nil
}

var parabolicSARDef = definition{
	name: "parabolic_sar",
	defaults: map[string]any{
		"acceleration": 0.015,
		"maximum":      0.25,
		"price_column": market.ColumnAdjClose,
	},
	validate: func(p Params) error {
		if err := positive(p, "acceleration", "maximum"); err != nil {
			return err
		}
		if p.Float("acceleration") > p.Float("maximum") {
			return fmt.Errorf("acceleration 不能大于 maximum")
		}
		return nil
	},
}

// ParabolicSAR 价格上穿 SAR 做多，下穿做空。
type ParabolicSAR struct {
	base
}

// NewParabolicSAR 创建抛物线转向策略。
func NewParabolicSAR(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := parabolicSARDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &ParabolicSAR{base: b}, nil
}

func (s *ParabolicSAR) GenerateSignals(table market.Table) ([]float64, error) {
	if err := s.require(table, market.ColumnHigh, market.ColumnLow); err != nil {
		return nil, err
	}
	prices, column, err := s.price(table)
	if err != nil {
		return nil, err
	}
	if len(prices) < 3 {
		return s.neutral(table, 3), nil
	}

	high, _ := table.Column(market.ColumnHigh)
	low, _ := table.Column(market.ColumnLow)
	sar := indicator.MaskLookback(talib.Sar(high, low, s.params.Float("acceleration"), s.params.Float("maximum")), 1)

	buy := indicator.CrossAbove(prices, sar)
	sell := indicator.CrossBelow(prices, sar)
	return s.emit(table, column, buy, sell), nil
}
