package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"backtester/internal/backtest"
	"backtester/internal/optimize"
	"backtester/internal/store"
)

// Service 负责持久化运行事件并同步更新 Prometheus 指标。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_type ON run_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordRunStarted 记录一次运行的输入参数。
func (s *Service) RecordRunStarted(ctx context.Context, payload RunStartedPayload) {
	s.record(ctx, EventRunStarted, payload, "记录运行开始事件失败")
}

// RecordResult 记录单个标的的回测结果。
func (s *Service) RecordResult(ctx context.Context, result backtest.Result) {
	metrics := make(map[string]*float64, len(result.Metrics))
	for name, value := range result.Metrics {
		metrics[name] = finite(value)
	}

	BacktestsTotal.WithLabelValues(result.Strategy, "ok").Inc()
	BacktestTotalReturn.WithLabelValues(result.Symbol, result.Strategy).Set(result.Metrics[backtest.MetricTotalReturn])
	BacktestSharpe.WithLabelValues(result.Symbol, result.Strategy).Set(result.Metrics[backtest.MetricSharpeRatio])

	s.record(ctx, EventBacktest, BacktestPayload{
		Symbol:      result.Symbol,
		Strategy:    result.Strategy,
		FinalEquity: result.Portfolio.FinalEquity(),
		Metrics:     metrics,
	}, "记录回测事件失败")
}

// RecordFailure 记录一次失败的回测，仅计数不落库。
func (s *Service) RecordFailure(strategy string) {
	BacktestsTotal.WithLabelValues(strategy, "error").Inc()
}

// RecordOptimization 记录网格搜索结果。
func (s *Service) RecordOptimization(ctx context.Context, strategy, objective string, outcome optimize.Outcome) {
	failed := 0
	for _, trial := range outcome.Trials {
		status := "ok"
		if trial.Err != nil {
			status = "error"
			failed++
		}
		OptimizationTrialsTotal.WithLabelValues(strategy, status).Inc()
	}

	s.record(ctx, EventOptimization, OptimizationPayload{
		Strategy:     strategy,
		Objective:    objective,
		Combinations: len(outcome.Trials),
		Failed:       failed,
		BestParams:   outcome.Best,
		BestScore:    finite(outcome.BestScore),
	}, "记录优化事件失败")
}

// RecordNarrative 记录模型生成的结果解读。
func (s *Service) RecordNarrative(ctx context.Context, model, text string) {
	s.record(ctx, EventNarrative, NarrativePayload{Model: model, Text: text}, "记录解读事件失败")
}

// ObserveRun 记录一次运行的耗时。
func (s *Service) ObserveRun(mode string, elapsed time.Duration) {
	RunDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, EventError, payload, "记录异常事件失败")
}

func (s *Service) record(ctx context.Context, typ EventType, payload interface{}, failMsg string) {
	if err := s.Record(ctx, Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn(failMsg, zap.Error(err))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM run_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

// finite 将 NaN/Inf 转为 nil，JSON 无法表示这些值。
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
