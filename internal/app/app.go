package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"backtester/internal/ai"
	"backtester/internal/backtest"
	"backtester/internal/config"
	"backtester/internal/data"
	"backtester/internal/exchange"
	"backtester/internal/feature"
	"backtester/internal/market"
	"backtester/internal/monitor"
	"backtester/internal/optimize"
	"backtester/internal/report"
	"backtester/internal/store"
	"backtester/internal/strategy"
)

// Mode 指定一次运行的工作模式。
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeOptimize Mode = "optimize"
)

// ParseMode 解析命令行传入的模式。
func ParseMode(raw string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", ModeBacktest:
		return ModeBacktest, nil
	case ModeOptimize:
		return mode, nil
	default:
		return "", fmt.Errorf("未知运行模式 %q，可选 backtest|optimize", raw)
	}
}

// App 聚合核心依赖并驱动一次回测或参数优化。
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	registry *strategy.Registry

	source data.Source
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: strategy.DefaultRegistry(logger),
	}
}

// Run 加载行情并按模式执行，结果写入运行日志与报告目录。
func (a *App) Run(ctx context.Context, mode Mode) (err error) {
	started := time.Now()

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}
	if a.cfg.Monitor.Enabled {
		monitorSvc.Serve(ctx, a.cfg.Monitor.Port)
	}
	defer func() {
		monitorSvc.ObserveRun(string(mode), time.Since(started))
		if err != nil {
			monitorSvc.RecordFailure(a.cfg.Strategy.Type)
			monitorSvc.RecordError(ctx, "运行失败", err, map[string]interface{}{
				"mode":     string(mode),
				"strategy": a.cfg.Strategy.Type,
			})
		}
	}()

	a.logger.Info("回测系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", string(mode)),
		zap.String("source", a.cfg.Data.Source),
		zap.Strings("symbols", a.cfg.Data.Symbols),
		zap.String("strategy", a.cfg.Strategy.Type),
	)
	monitorSvc.RecordRunStarted(ctx, monitor.RunStartedPayload{
		Mode:     string(mode),
		Strategy: a.cfg.Strategy.Type,
		Params:   a.cfg.Strategy.Params,
		Symbols:  a.cfg.Data.Symbols,
	})

	loader, err := a.newLoader()
	if err != nil {
		return err
	}
	tables, err := loader.Load(ctx, a.cfg.Data.Symbols)
	if err != nil {
		return fmt.Errorf("加载行情失败: %w", err)
	}

	calcOpts := []backtest.CalculatorOption{
		backtest.WithRiskFreeRate(a.cfg.Metrics.RiskFreeRate),
		backtest.WithPeriodsPerYear(a.cfg.Metrics.TradingPeriodsPerYear),
		backtest.WithLogger(a.logger),
	}
	if benchmark, ok := a.loadBenchmark(ctx, loader); ok {
		calcOpts = append(calcOpts, backtest.WithBenchmark(benchmark))
	}

	engine := backtest.NewEngine(backtest.NewCalculator(calcOpts...), a.logger)
	runner, err := backtest.NewRunner(a.registry, engine, a.logger)
	if err != nil {
		return err
	}

	writer := report.NewWriter(a.cfg.Report, a.logger)
	switch mode {
	case ModeOptimize:
		err = a.optimize(ctx, runner, tables, monitorSvc, writer)
	default:
		err = a.backtest(ctx, runner, tables, monitorSvc, writer)
	}
	if err != nil {
		return err
	}

	a.logger.Info("运行完成", zap.String("mode", string(mode)), zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (a *App) backtestConfig() backtest.Config {
	return backtest.Config{
		InitialCapital: a.cfg.Backtest.InitialCapital,
		Commission:     a.cfg.Backtest.Commission,
		Slippage:       a.cfg.Backtest.Slippage,
		Parallel:       a.cfg.Backtest.Parallel,
	}
}

func (a *App) backtest(ctx context.Context, runner *backtest.Runner, tables []market.Table, monitorSvc *monitor.Service, writer *report.Writer) error {
	spec := backtest.StrategySpec{Type: a.cfg.Strategy.Type, Params: a.cfg.Strategy.Params}
	results, err := runner.Run(ctx, tables, spec, a.backtestConfig())
	if err != nil {
		return fmt.Errorf("回测失败: %w", err)
	}

	for _, result := range results {
		monitorSvc.RecordResult(ctx, result)
	}

	params := effectiveParams(results, a.cfg.Strategy.Params)
	regimes := feature.NewExtractor(a.logger).ExtractAll(tables)
	narrative := a.narrate(ctx, params, results, regimes, monitorSvc)

	if _, err := writer.WriteBacktest(a.cfg.Strategy.Type, params, results, regimes, narrative); err != nil {
		return err
	}
	return nil
}

func (a *App) optimize(ctx context.Context, runner *backtest.Runner, tables []market.Table, monitorSvc *monitor.Service, writer *report.Writer) error {
	opt, err := optimize.New(runner, a.registry, a.cfg.Strategy.Type,
		optimize.Grid(a.cfg.Optimization.ParamGrid),
		a.cfg.Optimization.ObjectiveMetric,
		tables, a.backtestConfig(),
		optimize.WithMaxWorkers(a.cfg.Optimization.MaxWorkers),
		optimize.WithTimeout(a.cfg.Optimization.Timeout),
		optimize.WithBaseParams(a.cfg.Strategy.Params),
		optimize.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("初始化参数优化失败: %w", err)
	}

	outcome, err := opt.Optimize(ctx)
	if err != nil {
		return fmt.Errorf("参数优化失败: %w", err)
	}

	objective, err := optimize.ParseObjective(a.cfg.Optimization.ObjectiveMetric)
	if err != nil {
		return err
	}
	monitorSvc.RecordOptimization(ctx, a.cfg.Strategy.Type, objective.String(), outcome)

	if _, err := writer.WriteOptimization(a.cfg.Strategy.Type, objective, outcome); err != nil {
		return err
	}
	return nil
}

// narrate 生成模型解读，失败时仅记录告警。
func (a *App) narrate(ctx context.Context, params string, results []backtest.Result, regimes []feature.Regime, monitorSvc *monitor.Service) string {
	if !a.cfg.OpenAI.Enabled {
		return ""
	}
	client, err := ai.NewClient(a.cfg.OpenAI, a.logger)
	if err != nil {
		a.logger.Warn("初始化AI客户端失败，跳过解读", zap.Error(err))
		return ""
	}
	narrative, err := client.Narrate(ctx, a.cfg.Strategy.Type, params, results, regimes)
	if err != nil {
		a.logger.Warn("生成回测解读失败", zap.Error(err))
		monitorSvc.RecordError(ctx, "生成回测解读失败", err, nil)
		return ""
	}
	text := narrative.Text()
	monitorSvc.RecordNarrative(ctx, client.Model(), text)
	return text
}

func (a *App) newLoader() (*data.Loader, error) {
	source, err := a.newSource()
	if err != nil {
		return nil, err
	}
	cache, err := store.NewPriceCache(a.store)
	if err != nil {
		return nil, err
	}
	return data.NewLoader(a.cfg.Data, source, cache, a.logger)
}

func (a *App) newSource() (data.Source, error) {
	if a.source != nil {
		return a.source, nil
	}
	switch strings.ToLower(a.cfg.Data.Source) {
	case "exchange":
		client, err := exchange.NewClient(a.cfg.Exchange, a.logger)
		if err != nil {
			return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
		}
		return data.NewExchangeSource(client, a.cfg.Data.Timeframe)
	default:
		return data.NewCSVSource(a.cfg.Data.CSVDir)
	}
}

// loadBenchmark 加载基准标的收益率，不可用时返回 false，alpha/beta 为 NaN。
func (a *App) loadBenchmark(ctx context.Context, loader *data.Loader) (market.Series, bool) {
	symbol := strings.TrimSpace(a.cfg.Metrics.BenchmarkSymbol)
	if symbol == "" {
		return market.Series{}, false
	}
	table, err := loader.LoadSymbol(ctx, symbol)
	if err != nil {
		level := a.logger.Warn
		if !errors.Is(err, data.ErrNoData) {
			level = a.logger.Error
		}
		level("基准行情不可用", zap.String("symbol", symbol), zap.Error(err))
		return market.Series{}, false
	}
	returns, err := table.Returns(market.ColumnAdjClose)
	if err != nil {
		a.logger.Warn("计算基准收益失败", zap.String("symbol", symbol), zap.Error(err))
		return market.Series{}, false
	}
	return returns, true
}

// effectiveParams 优先使用策略回报的生效参数，否则退回配置中的覆盖值。
func effectiveParams(results []backtest.Result, overrides map[string]any) string {
	for _, result := range results {
		if result.Params != nil {
			return strategy.NewParams(nil, result.Params).Format()
		}
	}
	return strategy.NewParams(nil, overrides).Format()
}
