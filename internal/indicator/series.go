package indicator

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// SafeDivide 除法保护，除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// NaNs 返回长度为 n 的 NaN 序列。
func NaNs(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// MaskLookback 将前 n 个值置为 NaN。talib 在预热期输出 0，需先屏蔽再比较。
func MaskLookback(values []float64, n int) []float64 {
	out := append([]float64(nil), values...)
	for i := 0; i < n && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}

// RollingMean 计算滚动均值，窗口内有效值不足 minPeriods 时输出 NaN。
func RollingMean(values []float64, window, minPeriods int) []float64 {
	out := NaNs(len(values))
	if window <= 0 {
		return out
	}
	if minPeriods <= 0 {
		minPeriods = window
	}
	var (
		sum   float64
		count int
	)
	for i, v := range values {
		if !math.IsNaN(v) {
			sum += v
			count++
		}
		if i >= window {
			if old := values[i-window]; !math.IsNaN(old) {
				sum -= old
				count--
			}
		}
		if count >= minPeriods {
			out[i] = sum / float64(count)
		}
	}
	return out
}

// RollingStd 计算滚动样本标准差（n-1），窗口未满时输出 NaN。
func RollingStd(values []float64, window int) []float64 {
	out := NaNs(len(values))
	if window < 2 {
		return out
	}
	for i := window - 1; i < len(values); i++ {
		w := values[i-window+1 : i+1]
		if hasNaN(w) {
			continue
		}
		out[i] = stat.StdDev(w, nil)
	}
	return out
}

// PctChange 计算 periods 期的变化率，前 periods 个值为 NaN。
func PctChange(values []float64, periods int) []float64 {
	out := NaNs(len(values))
	if periods <= 0 {
		return out
	}
	for i := periods; i < len(values); i++ {
		prev := values[i-periods]
		if prev == 0 || math.IsNaN(prev) || math.IsNaN(values[i]) {
			continue
		}
		out[i] = values[i]/prev - 1
	}
	return out
}

// CrossAbove 判断 a 是否在当期由下向上穿越 b，任一值为 NaN 时为 false。
func CrossAbove(a, b []float64) []bool {
	out := make([]bool, len(a))
	for i := 1; i < len(a) && i < len(b); i++ {
		out[i] = a[i] > b[i] && a[i-1] <= b[i-1]
	}
	return out
}

// CrossBelow 判断 a 是否在当期由上向下穿越 b，任一值为 NaN 时为 false。
func CrossBelow(a, b []float64) []bool {
	out := make([]bool, len(a))
	for i := 1; i < len(a) && i < len(b); i++ {
		out[i] = a[i] < b[i] && a[i-1] >= b[i-1]
	}
	return out
}

func hasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
