package optimize

import (
	"fmt"
	"math"
	"strings"

	"backtester/internal/backtest"
)

// Objective 为优化目标，Negate 为 true 时取相反数后再求最大值。
type Objective struct {
	Metric string
	Negate bool
}

// ParseObjective 解析目标指标，前缀 "-" 表示最小化。
func ParseObjective(raw string) (Objective, error) {
	raw = strings.TrimSpace(raw)
	obj := Objective{Metric: raw}
	if strings.HasPrefix(raw, "-") {
		obj = Objective{Metric: strings.TrimPrefix(raw, "-"), Negate: true}
	}
	if !backtest.IsMetric(obj.Metric) {
		return Objective{}, fmt.Errorf("optimize: 未知的目标指标 %q", raw)
	}
	return obj, nil
}

// Score 计算多个标的上目标指标的均值，NaN 视为负无穷。
func (o Objective) Score(results []backtest.Result) float64 {
	if len(results) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, res := range results {
		sum += res.Metrics[o.Metric]
	}
	score := sum / float64(len(results))
	if o.Negate {
		score = -score
	}
	if math.IsNaN(score) {
		return math.Inf(-1)
	}
	return score
}

func (o Objective) String() string {
	if o.Negate {
		return "-" + o.Metric
	}
	return o.Metric
}
