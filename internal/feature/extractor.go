package feature

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"backtester/internal/indicator"
	"backtester/internal/market"
)

const minRows = 60

// Regime 概括一个标的在回测区间内的市场状态，用于报告与模型解读。
type Regime struct {
	Symbol           string
	Rows             int
	BuyHoldReturn    float64
	EMARank          string
	PriceAboveEMA50  bool
	RSIValue         float64
	RSIState         string
	ADXValue         float64
	TrendStrength    string
	ATRRelative      float64
	RecentVol        float64
	HistoricalVol    float64
	VolatilityRatio  float64
	Support          float64
	Resistance       float64
	VolumeDivergence string
}

// Extractor 从行情表提取市场状态特征。
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor 创建特征提取器。
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract 计算区间末端的市场状态。缺少 high/low 时 ADX/ATR/支撑阻力记为 0。
func (e *Extractor) Extract(table market.Table) (Regime, error) {
	prices, ok := table.Column(market.ColumnAdjClose)
	if !ok {
		prices, ok = table.Column(market.ColumnClose)
	}
	if !ok {
		return Regime{}, fmt.Errorf("%w: %s 缺少价格列", market.ErrDataShape, table.Symbol)
	}
	if len(prices) < minRows {
		return Regime{}, fmt.Errorf("%s K线数量不足，至少需要 %d 根，当前 %d", table.Symbol, minRows, len(prices))
	}
	for _, p := range prices {
		if math.IsNaN(p) {
			return Regime{}, fmt.Errorf("%w: %s 价格包含缺失值", market.ErrDataShape, table.Symbol)
		}
	}

	last := prices[len(prices)-1]
	ema12 := indicator.Last(talib.Ema(prices, 12))
	ema26 := indicator.Last(talib.Ema(prices, 26))
	ema50 := indicator.Last(talib.Ema(prices, 50))
	rsi := clean(indicator.Last(talib.Rsi(prices, 14)))

	regime := Regime{
		Symbol:          table.Symbol,
		Rows:            len(prices),
		BuyHoldReturn:   clean(indicator.SafeDivide(last, prices[0]) - 1),
		EMARank:         determineEMARank(ema12, ema26, ema50),
		PriceAboveEMA50: last > ema50,
		RSIValue:        rsi,
		RSIState:        determineRSIState(rsi),
	}
	regime.RecentVol, regime.HistoricalVol, regime.VolatilityRatio = computeVolatilityRatios(prices)

	if table.HasColumns(market.ColumnHigh, market.ColumnLow) {
		high, _ := table.Column(market.ColumnHigh)
		low, _ := table.Column(market.ColumnLow)
		adx := clean(indicator.Last(talib.Adx(high, low, prices, 14)))
		atr := clean(indicator.Last(talib.Atr(high, low, prices, 14)))

		regime.ADXValue = adx
		regime.TrendStrength = determineTrendStrength(adx)
		regime.ATRRelative = clean(indicator.SafeDivide(atr, last))
		regime.Support, regime.Resistance = computeSupportResistance(high, low)
	} else {
		regime.TrendStrength = "unknown"
	}

	if volume, ok := table.Column(market.ColumnVolume); ok {
		regime.VolumeDivergence = determineVolumeDivergence(prices, volume)
	} else {
		regime.VolumeDivergence = "unknown"
	}

	e.logger.Debug("市场状态提取完成",
		zap.String("symbol", regime.Symbol),
		zap.String("ema_rank", regime.EMARank),
		zap.String("trend_strength", regime.TrendStrength),
	)
	return regime, nil
}

// ExtractAll 提取多个标的，数据不足的标的被跳过。
func (e *Extractor) ExtractAll(tables []market.Table) []Regime {
	regimes := make([]Regime, 0, len(tables))
	for _, table := range tables {
		regime, err := e.Extract(table)
		if err != nil {
			e.logger.Debug("跳过市场状态提取", zap.String("symbol", table.Symbol), zap.Error(err))
			continue
		}
		regimes = append(regimes, regime)
	}
	return regimes
}

func determineEMARank(ema12, ema26, ema50 float64) string {
	switch {
	case ema12 > ema26 && ema26 > ema50:
		return "bullish_alignment"
	case ema12 < ema26 && ema26 < ema50:
		return "bearish_alignment"
	default:
		return "mixed_alignment"
	}
}

func determineRSIState(rsi float64) string {
	switch {
	case rsi >= 70:
		return "overbought"
	case rsi <= 30:
		return "oversold"
	default:
		return "neutral"
	}
}

func determineTrendStrength(adx float64) string {
	switch {
	case adx < 20:
		return "range"
	case adx < 25:
		return "transition"
	case adx < 40:
		return "trending"
	default:
		return "strong_trend"
	}
}

// determineVolumeDivergence 比较最近一期价格变化与成交量相对 20 期均量的关系。
func determineVolumeDivergence(prices, volume []float64) string {
	n := len(prices)
	if n < 2 || len(volume) != n {
		return "neutral"
	}
	avg := indicator.Last(indicator.RollingMean(volume, 20, 1))
	priceChange := clean(prices[n-1] - prices[n-2])
	volumeRatio := clean(indicator.SafeDivide(volume[n-1], avg))

	switch {
	case priceChange > 0 && volumeRatio > 1:
		return "rally_with_volume"
	case priceChange > 0:
		return "rally_without_volume"
	case priceChange < 0 && volumeRatio > 1:
		return "selloff_with_volume"
	case priceChange < 0:
		return "selloff_without_volume"
	default:
		return "neutral"
	}
}

func computeVolatilityRatios(closes []float64) (recent, historical, ratio float64) {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return 0, 0, 0
	}

	recentWindow := min(14, len(returns))
	historicalWindow := min(60, len(returns))

	recent = clean(stat.StdDev(returns[len(returns)-recentWindow:], nil))
	historical = clean(stat.StdDev(returns[len(returns)-historicalWindow:], nil))
	ratio = clean(indicator.SafeDivide(recent, historical))
	return recent, historical, ratio
}

func computeSupportResistance(high, low []float64) (float64, float64) {
	window := min(50, len(high))
	if window == 0 {
		return 0, 0
	}
	highs := high[len(high)-window:]
	lows := low[len(low)-window:]

	resistance := math.Inf(-1)
	for _, v := range highs {
		if !math.IsNaN(v) && v > resistance {
			resistance = v
		}
	}
	support := math.Inf(1)
	for _, v := range lows {
		if !math.IsNaN(v) && v < support {
			support = v
		}
	}
	return clean(support), clean(resistance)
}

func clean(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}
