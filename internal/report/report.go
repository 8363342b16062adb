package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"backtester/internal/backtest"
	"backtester/internal/config"
	"backtester/internal/feature"
	"backtester/internal/optimize"
	"backtester/internal/strategy"
)

// Writer 将回测结果输出为文本摘要与逐期组合 CSV。
type Writer struct {
	cfg    config.ReportConfig
	logger *zap.Logger
}

// NewWriter 创建报告输出器。
func NewWriter(cfg config.ReportConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		cfg.OutputDir = "reports"
	}
	return &Writer{cfg: cfg, logger: logger.Named("report")}
}

// WriteBacktest 写出 summary.txt 以及（开启时）每个标的的组合 CSV，返回生成的文件路径。
func (w *Writer) WriteBacktest(strategyName, params string, results []backtest.Result, regimes []feature.Regime, narrative string) ([]string, error) {
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: 创建输出目录失败: %w", err)
	}

	summaryPath := filepath.Join(w.cfg.OutputDir, "summary.txt")
	if err := writeFile(summaryPath, func(out io.Writer) error {
		if err := WriteSummary(out, strategyName, params, results); err != nil {
			return err
		}
		if err := WriteRegimes(out, regimes); err != nil {
			return err
		}
		if narrative != "" {
			_, err := fmt.Fprintf(out, "\n模型解读:\n%s", narrative)
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}
	paths := []string{summaryPath}

	if w.cfg.WriteCSV {
		for _, result := range results {
			path := filepath.Join(w.cfg.OutputDir, safeName(result.Symbol)+"_portfolio.csv")
			if err := writeFile(path, func(out io.Writer) error {
				return WritePortfolioCSV(out, result.Portfolio)
			}); err != nil {
				return nil, err
			}
			paths = append(paths, path)
		}
	}

	w.logger.Info("回测报告已生成", zap.Strings("files", paths))
	return paths, nil
}

// WriteOptimization 写出 optimization.txt。
func (w *Writer) WriteOptimization(strategyName string, objective optimize.Objective, outcome optimize.Outcome) (string, error) {
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("report: 创建输出目录失败: %w", err)
	}
	path := filepath.Join(w.cfg.OutputDir, "optimization.txt")
	if err := writeFile(path, func(out io.Writer) error {
		return WriteOptimizationSummary(out, strategyName, objective, outcome)
	}); err != nil {
		return "", err
	}
	w.logger.Info("优化报告已生成", zap.String("file", path))
	return path, nil
}

// WriteSummary 以指标为行、标的为列输出对齐的文本表格。
func WriteSummary(out io.Writer, strategyName, params string, results []backtest.Result) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "策略: %s\n", strategyName)
	if params != "" {
		fmt.Fprintf(tw, "参数: %s\n", params)
	}
	fmt.Fprintln(tw)

	header := []string{"metric"}
	for _, result := range results {
		header = append(header, result.Symbol)
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	row := []string{"final_equity"}
	for _, result := range results {
		row = append(row, formatValue(result.Portfolio.FinalEquity(), 2))
	}
	fmt.Fprintln(tw, strings.Join(row, "\t"))

	for _, name := range backtest.MetricNames {
		row = []string{name}
		for _, result := range results {
			value, ok := result.Metrics[name]
			if !ok {
				value = math.NaN()
			}
			row = append(row, formatValue(value, 4))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// WriteRegimes 输出各标的在回测区间内的市场状态，regimes 为空时不输出。
func WriteRegimes(out io.Writer, regimes []feature.Regime) error {
	if len(regimes) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\n市场状态:")
	fmt.Fprintln(tw, "symbol\tbuy_hold\tema_rank\ttrend\trsi\tvol_ratio\tsupport\tresistance")
	for _, r := range regimes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Symbol,
			formatValue(r.BuyHoldReturn, 4),
			r.EMARank,
			r.TrendStrength,
			formatValue(r.RSIValue, 1)+" ("+r.RSIState+")",
			formatValue(r.VolatilityRatio, 2),
			formatValue(r.Support, 2),
			formatValue(r.Resistance, 2),
		)
	}
	return tw.Flush()
}

// WriteOptimizationSummary 按枚举顺序列出所有组合及得分。
func WriteOptimizationSummary(out io.Writer, strategyName string, objective optimize.Objective, outcome optimize.Outcome) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "策略: %s\n目标: %s\n", strategyName, objective)
	fmt.Fprintf(tw, "最优参数: %s\n最优得分: %s\n\n", formatParams(outcome.Best), formatValue(outcome.BestScore, 4))

	fmt.Fprintln(tw, "params\tscore\terror")
	for _, trial := range outcome.Trials {
		errText := ""
		if trial.Err != nil {
			errText = trial.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", formatParams(trial.Params), formatValue(trial.Score, 4), errText)
	}
	return tw.Flush()
}

// WritePortfolioCSV 输出逐期组合表。
func WritePortfolioCSV(out io.Writer, p backtest.Portfolio) error {
	w := csv.NewWriter(out)

	header := []string{"index", "signal", "position", "turnover", "returns", "holdings", "cash", "equity"}
	if p.HasDates() {
		header[0] = "timestamp"
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: 写入表头失败: %w", err)
	}

	for i := 0; i < p.Len(); i++ {
		index := strconv.Itoa(i)
		if p.HasDates() {
			index = p.Timestamps[i].Format(time.RFC3339)
		}
		record := []string{
			index,
			formatF(p.Signal, i),
			formatF(p.Position, i),
			formatF(p.Turnover, i),
			formatF(p.Returns, i),
			formatF(p.Holdings, i),
			formatF(p.Cash, i),
			formatF(p.Equity, i),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("report: 写入第 %d 行失败: %w", i, err)
		}
	}

	w.Flush()
	return w.Error()
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: 创建文件 %s 失败: %w", path, err)
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func formatF(col []float64, i int) string {
	if i >= len(col) {
		return ""
	}
	return strconv.FormatFloat(col[i], 'f', -1, 64)
}

func formatValue(v float64, prec int) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return "-"
	}
	return strategy.NewParams(nil, params).Format()
}

func safeName(symbol string) string {
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(symbol)
}
