package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"backtester/internal/market"
)

var (
	// ErrStrategy 表示策略参数非法或信号生成失败。
	ErrStrategy = errors.New("strategy")
	// ErrUnknownStrategy 表示注册表中不存在该策略类型。
	ErrUnknownStrategy = errors.New("unknown strategy type")
)

// Strategy 为所有策略需满足的信号接口。
//
// GenerateSignals 返回与输入行情逐行对齐的目标仓位序列。缺少必要列时返回
// ErrStrategy；历史长度不足以计算指标时返回全 0 序列并记录告警，不返回错误。
type Strategy interface {
	Name() string
	GenerateSignals(table market.Table) ([]float64, error)
}

// Parameterized 由暴露生效参数的策略实现。
type Parameterized interface {
	Params() Params
}

// Params 为默认值与覆盖值合并后的只读参数集。
type Params struct {
	values map[string]any
}

// NewParams 合并默认参数与覆盖参数，结果与入参互不共享。
func NewParams(defaults, overrides map[string]any) Params {
	values := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		values[k] = v
	}
	for k, v := range overrides {
		values[strings.ToLower(k)] = v
	}
	return Params{values: values}
}

// Has 判断参数是否存在。
func (p Params) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Int 返回整型参数。
func (p Params) Int(name string) int {
	return cast.ToInt(p.values[name])
}

// Float 返回浮点参数。
func (p Params) Float(name string) float64 {
	return cast.ToFloat64(p.values[name])
}

// Bool 返回布尔参数。
func (p Params) Bool(name string) bool {
	return cast.ToBool(p.values[name])
}

// String 返回字符串参数。
func (p Params) String(name string) string {
	return cast.ToString(p.values[name])
}

// Map 返回参数副本。
func (p Params) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Format 以稳定顺序输出参数，便于日志与报告。
func (p Params) Format() string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p.values[k]))
	}
	return strings.Join(parts, ",")
}

// definition 描述策略的默认参数与可选校验钩子。
type definition struct {
	name     string
	defaults map[string]any
	validate func(Params) error
}

func (d definition) build(overrides map[string]any, logger *zap.Logger) (base, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	params := NewParams(d.defaults, overrides)
	if d.validate != nil {
		if err := d.validate(params); err != nil {
			return base{}, fmt.Errorf("%w: %s 参数非法: %w", ErrStrategy, d.name, err)
		}
	}

	logger = logger.Named(d.name)
	logger.Debug("策略初始化完成", zap.String("params", params.Format()))

	return base{name: d.name, params: params, logger: logger}, nil
}

// base 提供策略共用的参数与列处理逻辑。
type base struct {
	name   string
	params Params
	logger *zap.Logger
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Params() Params {
	return b.params
}

// require 校验必需列。
func (b *base) require(table market.Table, columns ...string) error {
	if missing := table.MissingColumns(columns...); len(missing) > 0 {
		return fmt.Errorf("%w: %w: %s 缺少必要列: %s", ErrStrategy, market.ErrDataShape, b.name, strings.Join(missing, ", "))
	}
	return nil
}

// price 返回 price_column 指定的价格列，缺失时回退到 close。
func (b *base) price(table market.Table) ([]float64, string, error) {
	preferred := market.NormalizeColumn(b.params.String("price_column"))
	if preferred == "" {
		preferred = market.ColumnAdjClose
	}
	if values, ok := table.Column(preferred); ok {
		return values, preferred, nil
	}
	if values, ok := table.Column(market.ColumnClose); ok {
		b.logger.Warn("首选价格列缺失，回退到 close，建议使用复权价格",
			zap.String("preferred", preferred),
			zap.String("symbol", table.Symbol),
		)
		return values, market.ColumnClose, nil
	}
	return nil, "", fmt.Errorf("%w: %w: %s 需要 %s 或 close 列", ErrStrategy, market.ErrDataShape, b.name, preferred)
}

// neutral 在历史长度不足时返回全 0 信号。
func (b *base) neutral(table market.Table, need int) []float64 {
	b.logger.Warn("历史数据不足，返回中性信号",
		zap.String("symbol", table.Symbol),
		zap.Int("rows", table.Len()),
		zap.Int("required", need),
	)
	return make([]float64, table.Len())
}

// emit 将买卖条件转换为 1/-1/0 信号，卖出条件优先级更高。
func (b *base) emit(table market.Table, column string, buy, sell []bool) []float64 {
	signals := make([]float64, table.Len())
	var buys, sells int
	for i := range signals {
		if i < len(buy) && buy[i] {
			signals[i] = 1
		}
		if i < len(sell) && sell[i] {
			signals[i] = -1
		}
		switch signals[i] {
		case 1:
			buys++
		case -1:
			sells++
		}
	}
	b.logger.Debug("信号生成完成",
		zap.String("symbol", table.Symbol),
		zap.Int("rows", len(signals)),
		zap.Int("buys", buys),
		zap.Int("sells", sells),
		zap.String("column", column),
	)
	return signals
}

func positive(p Params, names ...string) error {
	for _, name := range names {
		if p.Float(name) <= 0 {
			return fmt.Errorf("%s 必须为正", name)
		}
	}
	return nil
}

// periods 校验窗口类参数为正整数，小数取值会在读取时被截断，因此直接拒绝。
func periods(p Params, names ...string) error {
	for _, name := range names {
		n := p.Int(name)
		if n <= 0 || p.Float(name) != float64(n) {
			return fmt.Errorf("%s 必须为正整数", name)
		}
	}
	return nil
}

func ordered(p Params, low, high string) error {
	if p.Float(low) >= p.Float(high) {
		return fmt.Errorf("%s 必须小于 %s", low, high)
	}
	return nil
}

func within(p Params, lo, hi float64, names ...string) error {
	for _, name := range names {
		if v := p.Float(name); v < lo || v > hi {
			return fmt.Errorf("%s 必须位于 [%g,%g]", name, lo, hi)
		}
	}
	return nil
}
