package backtest

import (
	"math"
	"time"
)

// Portfolio 为逐期组合表，各列与行情索引逐行对齐。
type Portfolio struct {
	Timestamps []time.Time
	Signal     []float64 // 策略输出的目标仓位
	Position   []float64 // 实际持仓，滞后信号一期
	Turnover   []float64 // 相邻信号之差的绝对值
	Returns    []float64 // 扣除成本后的期收益
	Equity     []float64 // 组合总值
	Holdings   []float64
	Cash       []float64
}

// Len 返回行数。
func (p Portfolio) Len() int {
	return len(p.Equity)
}

// HasDates 判断组合表是否携带真实时间索引。
func (p Portfolio) HasDates() bool {
	return len(p.Timestamps) > 0 && len(p.Timestamps) == p.Len()
}

// FinalEquity 返回期末组合价值，空表返回 NaN。
func (p Portfolio) FinalEquity() float64 {
	if len(p.Equity) == 0 {
		return math.NaN()
	}
	return p.Equity[len(p.Equity)-1]
}

// simulate 将信号转换为组合表。
//
// 第 t 期持仓为第 t-1 期信号，首期持仓与换手均为 0，不产生交易成本。
func simulate(timestamps []time.Time, prices, signals []float64, initialCapital, costRate float64) Portfolio {
	n := len(prices)
	p := Portfolio{
		Signal:   make([]float64, n),
		Position: make([]float64, n),
		Turnover: make([]float64, n),
		Returns:  make([]float64, n),
		Equity:   make([]float64, n),
		Holdings: make([]float64, n),
		Cash:     make([]float64, n),
	}
	if len(timestamps) == n {
		p.Timestamps = append([]time.Time(nil), timestamps...)
	}

	for t := 0; t < n; t++ {
		if s := signals[t]; !math.IsNaN(s) {
			p.Signal[t] = s
		}
	}

	equity := initialCapital
	for t := 0; t < n; t++ {
		var assetReturn float64
		if t > 0 {
			p.Position[t] = p.Signal[t-1]
			p.Turnover[t] = math.Abs(p.Signal[t] - p.Signal[t-1])
			assetReturn = prices[t]/prices[t-1] - 1
			if math.IsNaN(assetReturn) || math.IsInf(assetReturn, 0) {
				assetReturn = 0
			}
		}

		p.Returns[t] = p.Position[t]*assetReturn - costRate*p.Turnover[t]
		equity *= 1 + p.Returns[t]

		p.Equity[t] = equity
		p.Holdings[t] = p.Position[t] * equity
		p.Cash[t] = equity - p.Holdings[t]
	}
	return p
}
