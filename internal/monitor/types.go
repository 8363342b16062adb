package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventBacktest     EventType = "backtest_result"
	EventOptimization EventType = "optimization_result"
	EventNarrative    EventType = "narrative"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RunStartedPayload 记录一次运行的输入。
type RunStartedPayload struct {
	Mode     string         `json:"mode"`
	Strategy string         `json:"strategy"`
	Params   map[string]any `json:"params,omitempty"`
	Symbols  []string       `json:"symbols"`
}

// BacktestPayload 记录单个标的的回测结果。
type BacktestPayload struct {
	Symbol      string             `json:"symbol"`
	Strategy    string             `json:"strategy"`
	FinalEquity float64            `json:"final_equity"`
	Metrics     map[string]*float64 `json:"metrics"`
}

// OptimizationPayload 记录网格搜索结果。
type OptimizationPayload struct {
	Strategy     string         `json:"strategy"`
	Objective    string         `json:"objective"`
	Combinations int            `json:"combinations"`
	Failed       int            `json:"failed"`
	BestParams   map[string]any `json:"best_params,omitempty"`
	BestScore    *float64       `json:"best_score"`
}

// NarrativePayload 记录对回测结果的文字解读。
type NarrativePayload struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
