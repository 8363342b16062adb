package strategy

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Factory 根据参数构造策略实例。
type Factory func(params map[string]any, logger *zap.Logger) (Strategy, error)

// Registry 维护策略类型到构造函数的映射。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry 创建空注册表。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// DefaultRegistry 返回注册了全部内置策略的注册表。
func DefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.MustRegister("moving_average", NewMovingAverage)
	r.MustRegister("rsi", NewRSI)
	r.MustRegister("macd", NewMACD)
	r.MustRegister("momentum", NewMomentum)
	r.MustRegister("mean_reversion", NewMeanReversion)
	r.MustRegister("bollinger_bands", NewBollingerBands)
	r.MustRegister("commodity_channel_index", NewCCI)
	r.MustRegister("parabolic_sar", NewParabolicSAR)
	r.MustRegister("stochastic", NewStochastic)
	r.MustRegister("enhanced_rsi", NewEnhancedRSI)
	return r
}

// Register 注册新的策略类型，名称重复时返回错误。
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("strategy: 名称不能为空")
	}
	if factory == nil {
		return fmt.Errorf("strategy: %s 构造函数不能为空", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("strategy: %s 已注册", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister 注册失败时 panic，仅用于初始化内置策略。
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Has 判断策略类型是否已注册。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New 按类型构造策略实例。
func (r *Registry) New(name string, params map[string]any) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return factory(params, r.logger)
}

// Names 返回已注册的策略类型，按字母序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
