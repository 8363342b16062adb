package backtest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"backtester/internal/market"
	"backtester/internal/strategy"
)

// Result 汇总单个标的的回测结果。
type Result struct {
	Symbol    string
	Strategy  string
	// Params 为策略实际生效的参数（默认值合并覆盖值），策略未暴露参数时为空。
	Params    map[string]any
	Portfolio Portfolio
	Metrics   Metrics
}

// Engine 对单个标的执行向量化回测。Engine 无可变状态，可并发使用。
type Engine struct {
	calculator *Calculator
	logger     *zap.Logger
}

// NewEngine 构建回测引擎，calculator 为空时使用默认参数。
func NewEngine(calculator *Calculator, logger *zap.Logger) *Engine {
	if calculator == nil {
		calculator = NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		calculator: calculator,
		logger:     logger,
	}
}

// Run 生成信号、模拟组合并计算绩效。
//
// 行情缺少 adj_close 或不足两行时返回同时属于 ErrEngine 与 market.ErrDataShape
// 的错误；已归类的错误原样返回，其余错误与 panic 统一包装为 ErrEngine。
func (e *Engine) Run(ctx context.Context, cfg Config, table market.Table, strat strategy.Strategy) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			if cause, ok := r.(error); ok {
				err = fmt.Errorf("%w: backtest panic: %w", ErrEngine, cause)
			} else {
				err = fmt.Errorf("%w: backtest panic: %v", ErrEngine, r)
			}
		}
		if err != nil {
			e.logger.Error("回测失败", zap.String("symbol", table.Symbol), zap.Error(err))
		}
	}()

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrEngine, err)
	}
	if strat == nil {
		return Result{}, fmt.Errorf("%w: strategy 不能为空", ErrEngine)
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: 回测参数非法: %w", ErrEngine, err)
	}

	prices, ok := table.Column(market.ColumnAdjClose)
	if !ok || len(prices) < 2 {
		return Result{}, fmt.Errorf("%w: %w: insufficient or invalid data for backtest", ErrEngine, market.ErrDataShape)
	}

	e.logger.Info("开始回测",
		zap.String("symbol", table.Symbol),
		zap.String("strategy", strat.Name()),
		zap.Int("rows", len(prices)),
	)

	signals, err := strat.GenerateSignals(table)
	if err != nil {
		return Result{}, wrapEngine(err, "generate signals")
	}
	if len(signals) != len(prices) {
		return Result{}, fmt.Errorf("%w: %s 输出信号长度 %d 与行情行数 %d 不一致", strategy.ErrStrategy, strat.Name(), len(signals), len(prices))
	}

	timestamps := table.Timestamps
	if !table.HasDates() {
		timestamps = nil
	}
	portfolio := simulate(timestamps, prices, signals, cfg.InitialCapital, cfg.costRate())

	metrics, err := e.calculator.Calculate(portfolio)
	if err != nil {
		return Result{}, wrapEngine(err, "calculate metrics")
	}

	e.logger.Info("回测完成",
		zap.String("symbol", table.Symbol),
		zap.Float64("final_equity", portfolio.FinalEquity()),
		zap.Float64("sharpe", metrics[MetricSharpeRatio]),
	)

	result = Result{
		Symbol:    table.Symbol,
		Strategy:  strat.Name(),
		Portfolio: portfolio,
		Metrics:   metrics,
	}
	if p, ok := strat.(strategy.Parameterized); ok {
		result.Params = p.Params().Map()
	}
	return result, nil
}
