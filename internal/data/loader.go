package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backtester/internal/config"
	"backtester/internal/market"
	"backtester/internal/store"
)

// Loader 负责按配置获取多个标的的行情，并维护 SQLite 缓存。
type Loader struct {
	source       Source
	cache        *store.PriceCache
	start        time.Time
	end          time.Time
	timeframe    string
	forceRefresh bool
	logger       *zap.Logger
}

// NewLoader 创建行情加载器，cache 为 nil 时不使用缓存。
func NewLoader(cfg config.DataConfig, source Source, cache *store.PriceCache, logger *zap.Logger) (*Loader, error) {
	if source == nil {
		return nil, fmt.Errorf("data: source 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Cache {
		cache = nil
	}
	return &Loader{
		source:       source,
		cache:        cache,
		start:        cfg.StartTime(),
		end:          cfg.EndTime(),
		timeframe:    cfg.Timeframe,
		forceRefresh: cfg.ForceRefresh,
		logger:       logger.Named("data"),
	}, nil
}

// Load 并发加载多个标的，结果保持 symbols 的顺序。
// 无数据的标的被跳过；所有标的均无数据时返回 ErrNoData。
func (l *Loader) Load(ctx context.Context, symbols []string) ([]market.Table, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("data: symbols 不能为空")
	}

	tables := make([]market.Table, len(symbols))
	found := make([]bool, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, symbol := range symbols {
		g.Go(func() error {
			table, err := l.LoadSymbol(gctx, symbol)
			if errors.Is(err, ErrNoData) {
				l.logger.Warn("标的无行情数据，已跳过", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", symbol, err)
			}
			tables[i] = table
			found[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]market.Table, 0, len(symbols))
	for i := range tables {
		if found[i] {
			out = append(out, tables[i])
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: 所有标的均无可用行情", ErrNoData)
	}

	l.logger.Info("行情加载完成",
		zap.String("source", l.source.Name()),
		zap.Int("requested", len(symbols)),
		zap.Int("loaded", len(out)),
	)
	return out, nil
}

// LoadSymbol 加载单个标的：优先读取缓存，未命中时访问数据源并回写缓存。
func (l *Loader) LoadSymbol(ctx context.Context, symbol string) (market.Table, error) {
	key := store.PriceKey{
		Source:    l.source.Name(),
		Symbol:    symbol,
		Timeframe: l.timeframe,
		Start:     l.start,
		End:       l.end,
	}

	if l.cache != nil && !l.forceRefresh {
		table, ok, err := l.cache.Load(ctx, key)
		if err != nil {
			l.logger.Warn("读取行情缓存失败", zap.String("symbol", symbol), zap.Error(err))
		} else if ok {
			l.logger.Debug("命中行情缓存", zap.String("symbol", symbol), zap.Int("rows", table.Len()))
			return clean(table)
		}
	}

	table, err := l.source.Fetch(ctx, symbol, l.start, l.end)
	if err != nil {
		return market.Table{}, err
	}
	table.Symbol = symbol
	if table.Len() == 0 {
		return market.Table{}, fmt.Errorf("%w: %s 区间内没有行情", ErrNoData, symbol)
	}

	if l.cache != nil && table.HasDates() {
		if err := l.cache.Save(ctx, key, table); err != nil {
			l.logger.Warn("写入行情缓存失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return clean(table)
}

// clean 补齐复权收盘价并前向填充缺失值。
func clean(table market.Table) (market.Table, error) {
	if table.AdjClose == nil && table.Close != nil {
		table.AdjClose = append([]float64(nil), table.Close...)
	}
	if table.AdjClose == nil {
		return market.Table{}, fmt.Errorf("%w: %s 缺少 adj_close 与 close 列", market.ErrDataShape, table.Symbol)
	}
	for _, col := range []*[]float64{&table.Open, &table.High, &table.Low, &table.Close, &table.AdjClose, &table.Volume} {
		*col = forwardFill(*col)
	}
	if err := table.Validate(); err != nil {
		return market.Table{}, err
	}
	return table, nil
}

func forwardFill(values []float64) []float64 {
	if values == nil {
		return nil
	}
	out := make([]float64, len(values))
	last := math.NaN()
	for i, v := range values {
		if math.IsNaN(v) {
			v = last
		}
		out[i] = v
		last = v
	}
	return out
}
