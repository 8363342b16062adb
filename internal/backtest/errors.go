package backtest

import (
	"errors"
	"fmt"

	"backtester/internal/market"
	"backtester/internal/strategy"
)

var (
	// ErrEngine 表示模拟层面的失败，非预期错误统一包装为该类型。
	ErrEngine = errors.New("engine")
	// ErrMetrics 表示传入绩效计算的组合表结构非法。
	ErrMetrics = errors.New("metrics")
)

// classified 判断错误是否已归类，已归类的错误原样向上传递。
func classified(err error) bool {
	return errors.Is(err, market.ErrDataShape) ||
		errors.Is(err, strategy.ErrStrategy) ||
		errors.Is(err, ErrEngine) ||
		errors.Is(err, ErrMetrics)
}

// wrapEngine 将未归类的错误包装为 ErrEngine 并保留原始原因。
func wrapEngine(err error, msg string) error {
	if err == nil || classified(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrEngine, msg, err)
}
