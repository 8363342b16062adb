package strategy

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"backtester/internal/indicator"
	"backtester/internal/market"
)

var bollingerDef = definition{
	name: "bollinger_bands",
	defaults: map[string]any{
		"window":         20,
		"std_multiplier": 2.0,
		"price_column":   market.ColumnAdjClose,
	},
	validate: func(p Params) error {
		if err := periods(p, "window"); err != nil {
			return err
		}
		return positive(p, "std_multiplier")
	},
}

// BollingerBands 价格下穿下轨做多，上穿上轨做空。
type BollingerBands struct {
	base
}

// NewBollingerBands 创建布林带策略。
func NewBollingerBands(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := bollingerDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &BollingerBands{base: b}, nil
}

func (s *BollingerBands) GenerateSignals(table market.Table) ([]float64, error) {
	prices, column, err := s.price(table)
	if err != nil {
		return nil, err
	}
	window := s.params.Int("window")
	if len(prices) < window+1 {
		return s.neutral(table, window+1), nil
	}

	mult := s.params.Float("std_multiplier")
	upper, _, lower := talib.BBands(prices, window, mult, mult, talib.SMA)
	upper = indicator.MaskLookback(upper, window-1)
	lower = indicator.MaskLookback(lower, window-1)

	buy := indicator.CrossBelow(prices, lower)
	sell := indicator.CrossAbove(prices, upper)
	return s.emit(table, column, buy, sell), nil
}

var meanReversionDef = definition{
	name: "mean_reversion",
	defaults: map[string]any{
		"window":    20,
		"threshold": 2.0,
	},
	validate: func(p Params) error {
		if err := periods(p, "window"); err != nil {
			return err
		}
		if p.Int("window") < 2 {
			return fmt.Errorf("window 必须不小于 2")
		}
		return positive(p, "threshold")
	},
}

// MeanReversion 价格 z 分数低于 -threshold 做多，高于 threshold 做空。
type MeanReversion struct {
	base
}

// NewMeanReversion 创建均值回归策略。
func NewMeanReversion(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := meanReversionDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &MeanReversion{base: b}, nil
}

func (s *MeanReversion) GenerateSignals(table market.Table) ([]float64, error) {
	if err := s.require(table, market.ColumnAdjClose); err != nil {
		return nil, err
	}
	prices, _ := table.Column(market.ColumnAdjClose)
	window := s.params.Int("window")
	if len(prices) < window {
		return s.neutral(table, window), nil
	}

	mean := indicator.RollingMean(prices, window, 0)
	std := indicator.RollingStd(prices, window)
	threshold := s.params.Float("threshold")

	buy := make([]bool, len(prices))
	sell := make([]bool, len(prices))
	for i := range prices {
		if std[i] == 0 || math.IsNaN(std[i]) {
			continue
		}
		z := (prices[i] - mean[i]) / std[i]
		buy[i] = z < -threshold
		sell[i] = z > threshold
	}
	return s.emit(table, market.ColumnAdjClose, buy, sell), nil
}

var momentumDef = definition{
	name: "momentum",
	defaults: map[string]any{
		"lookback":       20,
		"buy_threshold":  0.05,
		"sell_threshold": -0.05,
	},
	validate: func(p Params) error {
		if err := periods(p, "lookback"); err != nil {
			return err
		}
		return ordered(p, "sell_threshold", "buy_threshold")
	},
}

// Momentum 回看期涨幅超过 buy_threshold 做多，跌幅低于 sell_threshold 做空。
type Momentum struct {
	base
}

// NewMomentum 创建动量策略。
func NewMomentum(params map[string]any, logger *zap.Logger) (Strategy, error) {
	b, err := momentumDef.build(params, logger)
	if err != nil {
		return nil, err
	}
	return &Momentum{base: b}, nil
}

func (s *Momentum) GenerateSignals(table market.Table) ([]float64, error) {
	if err := s.require(table, market.ColumnAdjClose); err != nil {
		return nil, err
	}
	prices, _ := table.Column(market.ColumnAdjClose)
	lookback := s.params.Int("lookback")
	if len(prices) <= lookback {
		return s.neutral(table, lookback+1), nil
	}

	change := indicator.PctChange(prices, lookback)
	buyAt, sellAt := s.params.Float("buy_threshold"), s.params.Float("sell_threshold")

	buy := make([]bool, len(change))
	sell := make([]bool, len(change))
	for i, v := range change {
		buy[i] = v > buyAt
		sell[i] = v < sellAt
	}
	return s.emit(table, market.ColumnAdjClose, buy, sell), nil
}
