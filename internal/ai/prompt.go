package ai

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"backtester/internal/backtest"
	"backtester/internal/feature"
)

const narrativeTemplate = `
你是一名严谨的量化研究员。请根据下面的回测结果，评估该策略是否值得进一步研究。

策略: {{ .Strategy }}
参数: {{ .Params }}
{{ range .Symbols }}
标的 {{ .Symbol }}（期末权益 {{ printf "%.2f" .FinalEquity }}）:
{{- range .Metrics }}
- {{ .Name }}: {{ printf "%.4f" .Value }}
{{- end }}
{{- with .Regime }}
市场状态: 买入持有收益 {{ printf "%.4f" .BuyHoldReturn }}，均线排列 {{ .EMARank }}，趋势强度 {{ .TrendStrength }}，RSI {{ printf "%.1f" .RSIValue }} ({{ .RSIState }})，近期/历史波动比 {{ printf "%.2f" .VolatilityRatio }}
{{- end }}
{{ end }}
评估时请遵循：
1. 结合收益、回撤与风险调整后收益综合判断，不要只看总收益；
2. 交易次数过少时结论不可靠，应标记为 INCONCLUSIVE；
3. 指标为 NaN 表示样本不足或无定义，不要臆测其数值；
4. 指出过拟合、成本敏感度等潜在风险。

请严格输出唯一的 JSON 对象，格式如下：
{
  "verdict": "PROMISING|MIXED|UNPROMISING|INCONCLUSIVE",
  "summary": "...",
  "strengths": ["..."],
  "risks": ["..."],
  "suggestions": ["..."],
  "confidence": 0.0-1.0
}
`

var tmpl = template.Must(template.New("narrative").Parse(narrativeTemplate))

// MetricLine 为提示词中的单个指标。
type MetricLine struct {
	Name  string
	Value float64
}

// SymbolSummary 为提示词中的单个标的结果。
type SymbolSummary struct {
	Symbol      string
	FinalEquity float64
	Metrics     []MetricLine
	Regime      *feature.Regime
}

// PromptContext 用于渲染提示词。
type PromptContext struct {
	Strategy string
	Params   string
	Symbols  []SymbolSummary
}

// BuildPrompt 将回测结果渲染成提示词字符串，指标按固定顺序排列。
// regimes 可为空，存在时附上对应标的的市场状态。
func BuildPrompt(strategy, params string, results []backtest.Result, regimes []feature.Regime) (string, error) {
	if len(results) == 0 {
		return "", fmt.Errorf("ai: 回测结果为空")
	}
	bySymbol := make(map[string]*feature.Regime, len(regimes))
	for i := range regimes {
		bySymbol[regimes[i].Symbol] = &regimes[i]
	}

	ctx := PromptContext{Strategy: strategy, Params: params}
	for _, result := range results {
		summary := SymbolSummary{
			Symbol:      result.Symbol,
			FinalEquity: result.Portfolio.FinalEquity(),
			Regime:      bySymbol[result.Symbol],
		}
		for _, name := range backtest.MetricNames {
			if value, ok := result.Metrics[name]; ok {
				summary.Metrics = append(summary.Metrics, MetricLine{Name: name, Value: value})
			}
		}
		ctx.Symbols = append(ctx.Symbols, summary)
	}
	sort.SliceStable(ctx.Symbols, func(i, j int) bool { return ctx.Symbols[i].Symbol < ctx.Symbols[j].Symbol })

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
