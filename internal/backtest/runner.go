package backtest

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backtester/internal/market"
	"backtester/internal/strategy"
)

// StrategySpec 通过类型名与参数选择策略。
type StrategySpec struct {
	Type   string
	Params map[string]any
}

// backtester 为单标的回测步骤，便于在测试中替换。
type backtester interface {
	Run(ctx context.Context, cfg Config, table market.Table, strat strategy.Strategy) (Result, error)
}

// Outcome 为部分结果模式下单个标的的执行结果。
type Outcome struct {
	Symbol string
	Result Result
	Err    error
}

// Runner 在多个标的上运行同一策略。
type Runner struct {
	registry *strategy.Registry
	engine   backtester
	logger   *zap.Logger
}

// NewRunner 创建多标的回测执行器。
func NewRunner(registry *strategy.Registry, engine *Engine, logger *zap.Logger) (*Runner, error) {
	if registry == nil {
		return nil, fmt.Errorf("backtest: strategy registry 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = NewEngine(nil, logger)
	}
	return &Runner{
		registry: registry,
		engine:   engine,
		logger:   logger,
	}, nil
}

// Run 对每个行情表独立构造策略并回测，结果顺序与输入一致。
//
// 任一标的失败即取消整批并返回带标的名称的错误，不返回部分结果。
func (r *Runner) Run(ctx context.Context, tables []market.Table, spec StrategySpec, cfg Config) ([]Result, error) {
	strategies, err := r.prepare(tables, spec, cfg)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(tables))
	run := func(ctx context.Context, i int) error {
		res, err := r.engine.Run(ctx, cfg, tables[i], strategies[i])
		if err != nil {
			return fmt.Errorf("%s: %w", tables[i].Symbol, err)
		}
		results[i] = res
		return nil
	}

	if cfg.Parallel && len(tables) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range tables {
			g.Go(func() error {
				return run(gctx, i)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range tables {
			if err := run(ctx, i); err != nil {
				return nil, err
			}
		}
	}

	r.logger.Debug("全部回测完成", zap.Int("symbols", len(tables)), zap.Bool("parallel", cfg.Parallel))
	return results, nil
}

// RunPartial 与 Run 相同，但单个标的失败不会中断其他标的，错误记录在对应 Outcome 中。
// 仅策略类型未知或参数非法时整体返回错误。
func (r *Runner) RunPartial(ctx context.Context, tables []market.Table, spec StrategySpec, cfg Config) ([]Outcome, error) {
	strategies, err := r.prepare(tables, spec, cfg)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(tables))
	run := func(i int) {
		res, err := r.engine.Run(ctx, cfg, tables[i], strategies[i])
		outcomes[i] = Outcome{Symbol: tables[i].Symbol, Result: res, Err: err}
		if err != nil {
			r.logger.Warn("标的回测失败，继续其他标的", zap.String("symbol", tables[i].Symbol), zap.Error(err))
		}
	}

	if cfg.Parallel && len(tables) > 1 {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range tables {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range tables {
			run(i)
		}
	}
	return outcomes, nil
}

func (r *Runner) prepare(tables []market.Table, spec StrategySpec, cfg Config) ([]strategy.Strategy, error) {
	if !r.registry.Has(spec.Type) {
		return nil, fmt.Errorf("%w: invalid strategy type: %w: %q", ErrEngine, strategy.ErrUnknownStrategy, spec.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: 回测参数非法: %w", ErrEngine, err)
	}

	strategies := make([]strategy.Strategy, len(tables))
	for i := range tables {
		strat, err := r.registry.New(spec.Type, spec.Params)
		if err != nil {
			return nil, wrapEngine(err, "create strategy")
		}
		strategies[i] = strat
	}

	r.logger.Debug("准备回测",
		zap.String("strategy", spec.Type),
		zap.Int("symbols", len(tables)),
		zap.Bool("parallel", cfg.Parallel),
	)
	return strategies, nil
}
