package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

var timestampFormats = []string{
	time.DateOnly,
	time.RFC3339,
	time.DateTime,
	"2006-01-02 15:04:05-07:00",
}

// NormalizeColumn 将各种数据源的列名统一为内部列名，例如 "Adj Close" -> "adj_close"。
func NormalizeColumn(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(n)
	switch n {
	case "date", "datetime", "time", "timestamp":
		return "timestamp"
	case "adjclose", "adjusted_close", "adj_close":
		return ColumnAdjClose
	case "vol":
		return ColumnVolume
	}
	return n
}

// ReadCSV 读取带表头的行情 CSV（兼容 Yahoo 导出格式）。
func ReadCSV(r io.Reader, symbol string) (Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, fmt.Errorf("%w: %s 行情文件为空", ErrDataShape, symbol)
		}
		return Table{}, fmt.Errorf("读取 %s 表头失败: %w", symbol, err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[NormalizeColumn(name)] = i
	}
	tsIdx, ok := index["timestamp"]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s 缺少日期列", ErrDataShape, symbol)
	}

	present := map[string]bool{}
	for _, name := range []string{ColumnOpen, ColumnHigh, ColumnLow, ColumnClose, ColumnAdjClose, ColumnVolume} {
		_, present[name] = index[name]
	}

	var candles []Candle
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return Table{}, fmt.Errorf("读取 %s 第 %d 行失败: %w", symbol, line, err)
		}

		ts, err := parseTimestamp(record[tsIdx])
		if err != nil {
			return Table{}, fmt.Errorf("%w: %s 第 %d 行日期非法: %v", ErrDataShape, symbol, line, err)
		}

		candle := Candle{Timestamp: ts}
		fields := map[string]*float64{
			ColumnOpen:     &candle.Open,
			ColumnHigh:     &candle.High,
			ColumnLow:      &candle.Low,
			ColumnClose:    &candle.Close,
			ColumnAdjClose: &candle.AdjClose,
			ColumnVolume:   &candle.Volume,
		}
		for name, dst := range fields {
			idx, ok := index[name]
			if !ok {
				*dst = math.NaN()
				continue
			}
			v, err := parseValue(record[idx])
			if err != nil {
				return Table{}, fmt.Errorf("%w: %s 第 %d 行 %s 非法: %v", ErrDataShape, symbol, line, name, err)
			}
			*dst = v
		}
		candles = append(candles, candle)
	}

	table := NewTable(symbol, SortCandles(candles))
	dropMissing(&table, present)

	if err := table.Validate(); err != nil {
		return Table{}, err
	}
	return table, nil
}

// ReadCSVFile 读取单个 CSV 文件。
func ReadCSVFile(path, symbol string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("打开行情文件 %q 失败: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f, symbol)
}

func dropMissing(t *Table, present map[string]bool) {
	if !present[ColumnOpen] {
		t.Open = nil
	}
	if !present[ColumnHigh] {
		t.High = nil
	}
	if !present[ColumnLow] {
		t.Low = nil
	}
	if !present[ColumnClose] {
		t.Close = nil
	}
	if !present[ColumnAdjClose] {
		t.AdjClose = nil
	}
	if !present[ColumnVolume] {
		t.Volume = nil
	}
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampFormats {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("无法解析时间 %q", value)
}

func parseValue(value string) (float64, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "null", "nan", "na":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(value, 64)
}
