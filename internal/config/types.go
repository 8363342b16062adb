package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了一次回测运行所需的全部配置项。
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Data         DataConfig         `mapstructure:"data"`
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Strategy     StrategyConfig     `mapstructure:"strategy"`
	Backtest     BacktestConfig     `mapstructure:"backtest"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Optimization OptimizationConfig `mapstructure:"optimization"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	Report       ReportConfig       `mapstructure:"report"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// DataConfig 描述行情数据来源。
type DataConfig struct {
	Source       string   `mapstructure:"source"` // csv | exchange
	Symbols      []string `mapstructure:"symbols"`
	StartDate    string   `mapstructure:"start_date"`
	EndDate      string   `mapstructure:"end_date"`
	CSVDir       string   `mapstructure:"csv_dir"`
	Timeframe    string   `mapstructure:"timeframe"`
	Cache        bool     `mapstructure:"cache"`
	ForceRefresh bool     `mapstructure:"force_refresh"`
}

// ExchangeConfig 描述交易所行情连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	PageLimit  int         `mapstructure:"page_limit"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StrategyConfig 指定策略类型及参数。
type StrategyConfig struct {
	Type   string         `mapstructure:"type"`
	Params map[string]any `mapstructure:"params"`
}

// BacktestConfig 控制模拟引擎。
type BacktestConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	Commission     float64 `mapstructure:"commission"`
	Slippage       float64 `mapstructure:"slippage"`
	Parallel       bool    `mapstructure:"parallel"`
}

// MetricsConfig 控制绩效指标计算。
type MetricsConfig struct {
	RiskFreeRate          float64 `mapstructure:"risk_free_rate"`
	TradingPeriodsPerYear int     `mapstructure:"trading_periods_per_year"`
	BenchmarkSymbol       string  `mapstructure:"benchmark_symbol"`
}

// OptimizationConfig 控制参数网格搜索。
type OptimizationConfig struct {
	ParamGrid       map[string][]any `mapstructure:"param_grid"`
	ObjectiveMetric string           `mapstructure:"objective_metric"`
	MaxWorkers      int              `mapstructure:"max_workers"`
	Timeout         time.Duration    `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// OpenAIConfig 描述大模型调用参数，未启用时不会发起任何请求。
type OpenAIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReportConfig 控制报告输出。
type ReportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	WriteCSV  bool   `mapstructure:"write_csv"`
}

var validSources = map[string]struct{}{
	"csv":      {},
	"exchange": {},
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	source := strings.ToLower(strings.TrimSpace(c.Data.Source))
	if _, ok := validSources[source]; !ok {
		err = multierr.Append(err, fmt.Errorf("data.source 取值非法: %q", c.Data.Source))
	}
	if len(c.Data.Symbols) == 0 {
		err = multierr.Append(err, errors.New("data.symbols 至少包含一个标的"))
	}
	start, startErr := parseDate(c.Data.StartDate)
	if startErr != nil {
		err = multierr.Append(err, fmt.Errorf("data.start_date 格式非法: %w", startErr))
	}
	end, endErr := parseDate(c.Data.EndDate)
	if endErr != nil {
		err = multierr.Append(err, fmt.Errorf("data.end_date 格式非法: %w", endErr))
	}
	if startErr == nil && endErr == nil && !start.IsZero() && !end.IsZero() && !start.Before(end) {
		err = multierr.Append(err, errors.New("data.start_date 必须早于 end_date"))
	}
	if source == "csv" && c.Data.CSVDir == "" {
		err = multierr.Append(err, errors.New("data.csv_dir 不能为空 (source=csv)"))
	}
	if source == "exchange" {
		if c.Exchange.Name == "" {
			err = multierr.Append(err, errors.New("exchange.name 不能为空 (source=exchange)"))
		}
		if c.Data.Timeframe == "" {
			err = multierr.Append(err, errors.New("data.timeframe 不能为空 (source=exchange)"))
		}
		if c.Exchange.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
		}
		if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
		}
		if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
		}
	}

	if c.Strategy.Type == "" {
		err = multierr.Append(err, errors.New("strategy.type 不能为空"))
	}

	if c.Backtest.InitialCapital <= 0 {
		err = multierr.Append(err, errors.New("backtest.initial_capital 必须大于0"))
	}
	if c.Backtest.Commission < 0 {
		err = multierr.Append(err, errors.New("backtest.commission 不能为负"))
	}
	if c.Backtest.Slippage < 0 {
		err = multierr.Append(err, errors.New("backtest.slippage 不能为负"))
	}

	if c.Metrics.TradingPeriodsPerYear <= 0 {
		err = multierr.Append(err, errors.New("metrics.trading_periods_per_year 必须大于0"))
	}

	if c.Optimization.MaxWorkers < 0 {
		err = multierr.Append(err, errors.New("optimization.max_workers 不能为负"))
	}
	if c.Optimization.Timeout < 0 {
		err = multierr.Append(err, errors.New("optimization.timeout 不能为负"))
	}
	for name, values := range c.Optimization.ParamGrid {
		if len(values) == 0 {
			err = multierr.Append(err, fmt.Errorf("optimization.param_grid.%s 至少包含一个取值", name))
		}
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if c.OpenAI.Enabled {
		if c.OpenAI.APIKey == "" {
			err = multierr.Append(err, errors.New("openai.api_key 不能为空 (openai.enabled=true)"))
		}
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
		if c.OpenAI.Timeout <= 0 {
			err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
		}
	}

	if c.Report.OutputDir == "" {
		err = multierr.Append(err, errors.New("report.output_dir 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// StartTime 返回解析后的开始日期，未配置时为零值。
func (d DataConfig) StartTime() time.Time {
	t, _ := parseDate(d.StartDate)
	return t
}

// EndTime 返回解析后的结束日期，未配置时为零值。
func (d DataConfig) EndTime() time.Time {
	t, _ := parseDate(d.EndDate)
	return t
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, value)
}
