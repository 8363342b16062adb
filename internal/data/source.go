package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backtester/internal/exchange"
	"backtester/internal/market"
)

// ErrNoData 表示某个标的在请求区间内没有行情。
var ErrNoData = errors.New("data: no data")

// Source 提供单个标的的原始行情。
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string, start, end time.Time) (market.Table, error)
}

// CSVSource 从目录读取 <SYMBOL>.csv 文件，交易对中的 "/" 以 "_" 代替。
type CSVSource struct {
	dir string
}

// NewCSVSource 创建 CSV 数据源。
func NewCSVSource(dir string) (*CSVSource, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("data: csv_dir 不能为空")
	}
	return &CSVSource{dir: dir}, nil
}

func (s *CSVSource) Name() string { return "csv" }

// Fetch 读取并截取 [start, end) 区间。
func (s *CSVSource) Fetch(ctx context.Context, symbol string, start, end time.Time) (market.Table, error) {
	if err := ctx.Err(); err != nil {
		return market.Table{}, err
	}
	path := filepath.Join(s.dir, fileName(symbol))
	table, err := market.ReadCSVFile(path, symbol)
	if errors.Is(err, os.ErrNotExist) {
		return market.Table{}, fmt.Errorf("%w: %s 文件不存在", ErrNoData, path)
	}
	if err != nil {
		return market.Table{}, err
	}
	return table.Between(start, end), nil
}

func fileName(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_") + ".csv"
}

type historyFetcher interface {
	FetchHistory(ctx context.Context, req exchange.HistoryRequest) ([]market.Candle, error)
}

// ExchangeSource 通过交易所K线接口获取行情。
type ExchangeSource struct {
	client    historyFetcher
	timeframe string
}

// NewExchangeSource 创建交易所数据源。
func NewExchangeSource(client *exchange.Client, timeframe string) (*ExchangeSource, error) {
	if client == nil {
		return nil, fmt.Errorf("data: exchange client 不能为空")
	}
	return &ExchangeSource{client: client, timeframe: timeframe}, nil
}

func (s *ExchangeSource) Name() string { return "exchange" }

// Fetch 拉取K线，未知交易对视为无数据。
func (s *ExchangeSource) Fetch(ctx context.Context, symbol string, start, end time.Time) (market.Table, error) {
	candles, err := s.client.FetchHistory(ctx, exchange.HistoryRequest{
		Symbol:    symbol,
		Timeframe: s.timeframe,
		Start:     start,
		End:       end,
	})
	if errors.Is(err, exchange.ErrUnknownSymbol) {
		return market.Table{}, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	if err != nil {
		return market.Table{}, err
	}
	return market.NewTable(symbol, candles), nil
}
