package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrDataShape 表示输入行情缺少必要列、行数不足或索引非法。
var ErrDataShape = errors.New("data shape")

// 列名统一使用小写蛇形命名。
const (
	ColumnOpen     = "open"
	ColumnHigh     = "high"
	ColumnLow      = "low"
	ColumnClose    = "close"
	ColumnAdjClose = "adj_close"
	ColumnVolume   = "volume"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	AdjClose  float64
	Volume    float64
}

// Table 为按时间升序排列的列式行情表，缺失的列以 nil 表示。
type Table struct {
	Symbol     string
	Timestamps []time.Time
	Open       []float64
	High       []float64
	Low        []float64
	Close      []float64
	AdjClose   []float64
	Volume     []float64
}

// NewTable 从K线创建 Table，K线需已按时间升序排列。
func NewTable(symbol string, candles []Candle) Table {
	length := len(candles)
	table := Table{
		Symbol:     symbol,
		Timestamps: make([]time.Time, length),
		Open:       make([]float64, length),
		High:       make([]float64, length),
		Low:        make([]float64, length),
		Close:      make([]float64, length),
		AdjClose:   make([]float64, length),
		Volume:     make([]float64, length),
	}

	for i, candle := range candles {
		table.Timestamps[i] = candle.Timestamp.UTC()
		table.Open[i] = candle.Open
		table.High[i] = candle.High
		table.Low[i] = candle.Low
		table.Close[i] = candle.Close
		table.AdjClose[i] = candle.AdjClose
		table.Volume[i] = candle.Volume
	}

	return table
}

// SortCandles 按时间升序排序并去除重复时间戳（保留最后一条）。
func SortCandles(candles []Candle) []Candle {
	sorted := append([]Candle(nil), candles...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	out := sorted[:0]
	for _, c := range sorted {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(c.Timestamp) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// Len 返回行数。
func (t Table) Len() int {
	if len(t.Timestamps) > 0 {
		return len(t.Timestamps)
	}
	for _, col := range t.columns() {
		if col != nil {
			return len(col)
		}
	}
	return 0
}

// HasDates 判断索引是否携带真实时间。
func (t Table) HasDates() bool {
	return len(t.Timestamps) > 0 && len(t.Timestamps) == t.Len()
}

// Column 按名称返回列数据，列缺失或长度不一致时返回 false。
func (t Table) Column(name string) ([]float64, bool) {
	var col []float64
	switch name {
	case ColumnOpen:
		col = t.Open
	case ColumnHigh:
		col = t.High
	case ColumnLow:
		col = t.Low
	case ColumnClose:
		col = t.Close
	case ColumnAdjClose:
		col = t.AdjClose
	case ColumnVolume:
		col = t.Volume
	default:
		return nil, false
	}
	if col == nil || len(col) != t.Len() {
		return nil, false
	}
	return col, true
}

// HasColumns 判断是否包含全部指定列。
func (t Table) HasColumns(names ...string) bool {
	for _, name := range names {
		if _, ok := t.Column(name); !ok {
			return false
		}
	}
	return true
}

// MissingColumns 返回缺失的列名。
func (t Table) MissingColumns(names ...string) []string {
	var missing []string
	for _, name := range names {
		if _, ok := t.Column(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Validate 检查列长度与时间索引的单调性。
func (t Table) Validate() error {
	n := t.Len()
	for name, col := range t.namedColumns() {
		if col != nil && len(col) != n {
			return fmt.Errorf("%w: %s 列长度 %d 与行数 %d 不一致", ErrDataShape, name, len(col), n)
		}
	}
	if len(t.Timestamps) > 0 && len(t.Timestamps) != n {
		return fmt.Errorf("%w: 时间索引长度 %d 与行数 %d 不一致", ErrDataShape, len(t.Timestamps), n)
	}
	for i := 1; i < len(t.Timestamps); i++ {
		if !t.Timestamps[i].After(t.Timestamps[i-1]) {
			return fmt.Errorf("%w: 时间索引需严格递增 (第 %d 行 %s)", ErrDataShape, i, t.Timestamps[i].Format(time.RFC3339))
		}
	}
	return nil
}

// Between 截取 [start, end) 区间内的行，零值表示不限制。
func (t Table) Between(start, end time.Time) Table {
	if !t.HasDates() {
		return t
	}
	lo := 0
	if !start.IsZero() {
		lo = sort.Search(len(t.Timestamps), func(i int) bool { return !t.Timestamps[i].Before(start) })
	}
	hi := len(t.Timestamps)
	if !end.IsZero() {
		hi = sort.Search(len(t.Timestamps), func(i int) bool { return !t.Timestamps[i].Before(end) })
	}
	if hi < lo {
		hi = lo
	}
	return t.slice(lo, hi)
}

// Returns 计算指定列的逐期收益率，首期为 0。
func (t Table) Returns(column string) (Series, error) {
	prices, ok := t.Column(column)
	if !ok {
		return Series{}, fmt.Errorf("%w: 缺少 %s 列", ErrDataShape, column)
	}
	values := make([]float64, len(prices))
	for i := 1; i < len(prices); i++ {
		values[i] = prices[i]/prices[i-1] - 1
		if math.IsNaN(values[i]) || math.IsInf(values[i], 0) {
			values[i] = 0
		}
	}
	series := Series{Values: values}
	if t.HasDates() {
		series.Timestamps = append([]time.Time(nil), t.Timestamps...)
	}
	return series, nil
}

func (t Table) slice(lo, hi int) Table {
	cut := func(col []float64) []float64 {
		if col == nil {
			return nil
		}
		return append([]float64(nil), col[lo:hi]...)
	}
	return Table{
		Symbol:     t.Symbol,
		Timestamps: append([]time.Time(nil), t.Timestamps[lo:hi]...),
		Open:       cut(t.Open),
		High:       cut(t.High),
		Low:        cut(t.Low),
		Close:      cut(t.Close),
		AdjClose:   cut(t.AdjClose),
		Volume:     cut(t.Volume),
	}
}

func (t Table) columns() [][]float64 {
	return [][]float64{t.Open, t.High, t.Low, t.Close, t.AdjClose, t.Volume}
}

func (t Table) namedColumns() map[string][]float64 {
	return map[string][]float64{
		ColumnOpen:     t.Open,
		ColumnHigh:     t.High,
		ColumnLow:      t.Low,
		ColumnClose:    t.Close,
		ColumnAdjClose: t.AdjClose,
		ColumnVolume:   t.Volume,
	}
}

// Series 为带时间索引的数值序列，Timestamps 为空时按位置对齐。
type Series struct {
	Timestamps []time.Time
	Values     []float64
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Values)
}

// Align 将序列对齐到目标索引，缺失值填 0。
func (s Series) Align(index []time.Time, n int) []float64 {
	out := make([]float64, n)
	if len(s.Timestamps) == len(s.Values) && len(s.Timestamps) > 0 && len(index) == n {
		lookup := make(map[int64]float64, len(s.Values))
		for i, ts := range s.Timestamps {
			lookup[ts.UnixNano()] = s.Values[i]
		}
		for i, ts := range index {
			if v, ok := lookup[ts.UnixNano()]; ok && !math.IsNaN(v) {
				out[i] = v
			}
		}
		return out
	}
	for i := 0; i < n && i < len(s.Values); i++ {
		if !math.IsNaN(s.Values[i]) {
			out[i] = s.Values[i]
		}
	}
	return out
}
