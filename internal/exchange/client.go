package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"backtester/internal/config"
	"backtester/internal/market"
)

// ohlcvAPI 为拉取历史K线所需的最小交易所能力。
type ohlcvAPI interface {
	loadMarkets() error
	fetchOHLCV(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error)
}

type binanceAPI struct {
	ex *ccxt.Binanceusdm
}

func (b binanceAPI) loadMarkets() error {
	_, err := b.ex.LoadMarkets()
	return err
}

func (b binanceAPI) fetchOHLCV(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error) {
	return b.ex.FetchOHLCV(
		symbol,
		ccxt.WithFetchOHLCVTimeframe(timeframe),
		ccxt.WithFetchOHLCVSince(since),
		ccxt.WithFetchOHLCVLimit(limit),
	)
}

// Client 负责分页拉取历史K线并实现重试机制。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
	api    ohlcvAPI

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 行情客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name != "" && cfg.Name != "binanceusdm" {
		return nil, fmt.Errorf("exchange: 不支持的交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return newClient(cfg, binanceAPI{ex: ex}, logger), nil
}

func newClient(cfg config.ExchangeConfig, api ohlcvAPI, logger *zap.Logger) *Client {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		api:    api,
	}
}

// FetchHistory 按时间分页拉取 [Start, End) 区间内的K线，AdjClose 取收盘价。
func (c *Client) FetchHistory(ctx context.Context, req HistoryRequest) ([]market.Candle, error) {
	req = req.normalize()
	if req.Symbol == "" {
		return nil, fmt.Errorf("exchange: symbol 不能为空")
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	since := req.Start.UnixMilli()
	endMs := req.End.UnixMilli()
	limit := int64(c.cfg.PageLimit)

	var candles []market.Candle
	for page := 1; since < endMs; page++ {
		var raw []ccxt.OHLCV
		err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", req.Timeframe), func() error {
			result, err := c.api.fetchOHLCV(req.Symbol, req.Timeframe, since, limit)
			if err != nil {
				return err
			}
			raw = result
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			break
		}

		newest := since
		for _, item := range raw {
			newest = max(newest, item.Timestamp)
			if item.Timestamp >= endMs || item.Timestamp < since {
				continue
			}
			candles = append(candles, market.Candle{
				Timestamp: time.UnixMilli(item.Timestamp).UTC(),
				Open:      item.Open,
				High:      item.High,
				Low:       item.Low,
				Close:     item.Close,
				AdjClose:  item.Close,
				Volume:    item.Volume,
			})
		}

		c.logger.Debug("K线分页拉取完成",
			zap.String("symbol", req.Symbol),
			zap.Int("page", page),
			zap.Int("rows", len(raw)),
		)

		if int64(len(raw)) < limit || newest >= endMs || newest <= since {
			break
		}
		since = newest + 1
	}

	candles = market.SortCandles(candles)
	c.logger.Info("历史K线拉取完成",
		zap.String("symbol", req.Symbol),
		zap.String("timeframe", req.Timeframe),
		zap.Int("count", len(candles)),
	)
	return candles, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if err := c.callWithRetry(ctx, "load_markets", c.api.loadMarkets); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classify(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := min(delay, maxDelay)

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = min(delay*2, maxDelay)
	}
}
