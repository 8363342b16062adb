package backtest

import (
	"fmt"

	"go.uber.org/multierr"
)

// Config 定义单次回测的资金与成本参数。
type Config struct {
	InitialCapital float64 // 初始资金
	Commission     float64 // 佣金，按成交名义价值的比例
	Slippage       float64 // 滑点，按成交名义价值的比例
	Parallel       bool    // 多标的是否并发执行
}

// Validate 校验回测参数。
func (c Config) Validate() error {
	var errs error
	if c.InitialCapital <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("initial_capital 必须大于 0"))
	}
	if c.Commission < 0 {
		errs = multierr.Append(errs, fmt.Errorf("commission 不能为负"))
	}
	if c.Slippage < 0 {
		errs = multierr.Append(errs, fmt.Errorf("slippage 不能为负"))
	}
	return errs
}

func (c Config) costRate() float64 {
	return c.Commission + c.Slippage
}
