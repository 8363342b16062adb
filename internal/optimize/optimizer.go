package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backtester/internal/backtest"
	"backtester/internal/market"
	"backtester/internal/strategy"
)

// ErrNoViableCombination 表示全部参数组合均评估失败。
var ErrNoViableCombination = errors.New("optimize: 没有可用的参数组合")

// evaluator 为多标的回测入口，便于在测试中替换。
type evaluator interface {
	Run(ctx context.Context, tables []market.Table, spec backtest.StrategySpec, cfg backtest.Config) ([]backtest.Result, error)
}

// Trial 记录单个参数组合的评估结果。
type Trial struct {
	Params map[string]any
	Score  float64
	Err    error
}

// Outcome 汇总网格搜索结果，Trials 与组合枚举顺序一致。
type Outcome struct {
	Best      map[string]any
	BestScore float64
	Trials    []Trial
}

// Scores 返回与组合顺序对齐的得分。
func (o Outcome) Scores() []float64 {
	scores := make([]float64, len(o.Trials))
	for i, t := range o.Trials {
		scores[i] = t.Score
	}
	return scores
}

// Option 配置优化器。
type Option func(*Optimizer)

// WithMaxWorkers 设置并发评估的组合数，非正值使用 GOMAXPROCS。
func WithMaxWorkers(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.maxWorkers = n
		}
	}
}

// WithTimeout 设置单个组合的评估超时，0 表示不限制。
func WithTimeout(d time.Duration) Option {
	return func(o *Optimizer) {
		o.timeout = d
	}
}

// WithBaseParams 设置与每个组合合并的基础参数，组合中的取值优先。
func WithBaseParams(params map[string]any) Option {
	return func(o *Optimizer) {
		o.base = make(map[string]any, len(params))
		for k, v := range params {
			o.base[k] = v
		}
	}
}

// WithLogger 设置日志。
func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Optimizer 在参数网格上穷举搜索使目标指标最大的组合。
type Optimizer struct {
	runner       evaluator
	strategyType string
	grid         Grid
	objective    Objective
	tables       []market.Table
	cfg          backtest.Config

	maxWorkers int
	timeout    time.Duration
	base       map[string]any
	logger     *zap.Logger
}

// New 创建网格搜索优化器。网格为空、策略未注册或目标指标未知时返回错误。
func New(runner *backtest.Runner, registry *strategy.Registry, strategyType string, grid Grid, objective string, tables []market.Table, cfg backtest.Config, opts ...Option) (*Optimizer, error) {
	if runner == nil {
		return nil, fmt.Errorf("optimize: runner 不能为空")
	}
	if registry == nil {
		return nil, fmt.Errorf("optimize: strategy registry 不能为空")
	}
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if !registry.Has(strategyType) {
		return nil, fmt.Errorf("optimize: %w: %q", strategy.ErrUnknownStrategy, strategyType)
	}
	obj, err := ParseObjective(objective)
	if err != nil {
		return nil, err
	}

	o := &Optimizer{
		runner:       runner,
		strategyType: strategyType,
		grid:         grid,
		objective:    obj,
		tables:       tables,
		cfg:          cfg,
		maxWorkers:   runtime.GOMAXPROCS(0),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.logger.Debug("网格搜索初始化完成",
		zap.String("strategy", strategyType),
		zap.Int("combinations", grid.Size()),
		zap.String("objective", obj.String()),
	)
	return o, nil
}

// Optimize 评估全部组合并返回得分最高者，得分相同时取枚举顺序靠前的组合。
//
// 单个组合失败或超时记为负无穷且不参与择优，不中断搜索；成功组合即使得分为负无穷
// 也可胜出。父 context 被取消时返回其错误而非 ErrNoViableCombination。
func (o *Optimizer) Optimize(ctx context.Context) (Outcome, error) {
	combos := o.grid.Combinations()
	trials := make([]Trial, len(combos))

	o.logger.Info("开始参数优化",
		zap.String("strategy", o.strategyType),
		zap.Int("combinations", len(combos)),
		zap.Int("workers", o.maxWorkers),
	)

	cfg := o.cfg
	if o.maxWorkers > 1 {
		// 外层已并发，内层按标的顺序执行
		cfg.Parallel = false
	}

	var g errgroup.Group
	g.SetLimit(o.maxWorkers)
	for i, combo := range combos {
		g.Go(func() error {
			params := o.merge(combo)
			score, err := o.evaluate(ctx, params, cfg)
			trials[i] = Trial{Params: combo, Score: score, Err: err}
			if err != nil {
				o.logger.Warn("参数组合评估失败", zap.Any("params", combo), zap.Error(err))
			} else {
				o.logger.Debug("参数组合评估完成", zap.Any("params", combo), zap.Float64("score", score))
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Outcome{Trials: trials, BestScore: math.Inf(-1)}, fmt.Errorf("optimize: 参数优化被中断: %w", err)
	}

	best := -1
	for i, t := range trials {
		if t.Err != nil {
			continue
		}
		if best < 0 || t.Score > trials[best].Score {
			best = i
		}
	}

	outcome := Outcome{BestScore: math.Inf(-1), Trials: trials}
	if best < 0 {
		return outcome, ErrNoViableCombination
	}
	outcome.Best = trials[best].Params
	outcome.BestScore = trials[best].Score

	o.logger.Info("参数优化完成",
		zap.Any("best_params", outcome.Best),
		zap.Float64("best_score", outcome.BestScore),
	)
	return outcome, nil
}

type evaluation struct {
	score float64
	err   error
}

func (o *Optimizer) evaluate(ctx context.Context, params map[string]any, cfg backtest.Config) (float64, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return math.Inf(-1), err
	}

	done := make(chan evaluation, 1)
	go func() {
		results, err := o.runner.Run(ctx, o.tables, backtest.StrategySpec{Type: o.strategyType, Params: params}, cfg)
		if err != nil {
			done <- evaluation{score: math.Inf(-1), err: err}
			return
		}
		done <- evaluation{score: o.objective.Score(results)}
	}()

	select {
	case res := <-done:
		return res.score, res.err
	case <-ctx.Done():
		return math.Inf(-1), ctx.Err()
	}
}

func (o *Optimizer) merge(combo map[string]any) map[string]any {
	params := make(map[string]any, len(o.base)+len(combo))
	for k, v := range o.base {
		params[k] = v
	}
	for k, v := range combo {
		params[k] = v
	}
	return params
}
