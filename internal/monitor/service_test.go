package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"backtester/internal/backtest"
	"backtester/internal/config"
	"backtester/internal/optimize"
	"backtester/internal/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	svc, err := NewService(s, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.Error(t, err)
}

func TestRecordResult_StoresFiniteMetrics(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	before := testutil.ToFloat64(BacktestsTotal.WithLabelValues("monitor_test", "ok"))
	svc.RecordResult(ctx, backtest.Result{
		Symbol:   "AAPL",
		Strategy: "monitor_test",
		Portfolio: backtest.Portfolio{
			Equity: []float64{100000, 101000},
		},
		Metrics: backtest.Metrics{
			backtest.MetricTotalReturn: 0.01,
			backtest.MetricSharpeRatio: math.NaN(),
		},
	})

	assert.Equal(t, before+1, testutil.ToFloat64(BacktestsTotal.WithLabelValues("monitor_test", "ok")))
	assert.Equal(t, 0.01, testutil.ToFloat64(BacktestTotalReturn.WithLabelValues("AAPL", "monitor_test")))

	events, err := svc.ListEvents(ctx, EventBacktest, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var payload BacktestPayload
	require.NoError(t, json.Unmarshal(events[0].Payload.(json.RawMessage), &payload))
	assert.Equal(t, "AAPL", payload.Symbol)
	assert.Equal(t, 101000.0, payload.FinalEquity)
	require.NotNil(t, payload.Metrics[backtest.MetricTotalReturn])
	assert.Equal(t, 0.01, *payload.Metrics[backtest.MetricTotalReturn])
	assert.Nil(t, payload.Metrics[backtest.MetricSharpeRatio])
}

func TestRecordOptimization_CountsTrials(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	okBefore := testutil.ToFloat64(OptimizationTrialsTotal.WithLabelValues("opt_test", "ok"))
	errBefore := testutil.ToFloat64(OptimizationTrialsTotal.WithLabelValues("opt_test", "error"))

	svc.RecordOptimization(ctx, "opt_test", "sharpe_ratio", optimize.Outcome{
		Best:      map[string]any{"window": 10},
		BestScore: 1.5,
		Trials: []optimize.Trial{
			{Params: map[string]any{"window": 10}, Score: 1.5},
			{Params: map[string]any{"window": 1}, Score: math.Inf(-1), Err: errors.New("bad")},
		},
	})

	assert.Equal(t, okBefore+1, testutil.ToFloat64(OptimizationTrialsTotal.WithLabelValues("opt_test", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(OptimizationTrialsTotal.WithLabelValues("opt_test", "error")))

	events, err := svc.ListEvents(ctx, EventOptimization, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var payload OptimizationPayload
	require.NoError(t, json.Unmarshal(events[0].Payload.(json.RawMessage), &payload))
	assert.Equal(t, 2, payload.Combinations)
	assert.Equal(t, 1, payload.Failed)
	require.NotNil(t, payload.BestScore)
	assert.Equal(t, 1.5, *payload.BestScore)
}

func TestListEvents_NewestFirstAndFiltered(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	svc.RecordRunStarted(ctx, RunStartedPayload{Mode: "backtest", Strategy: "rsi", Symbols: []string{"AAPL"}})
	svc.RecordError(ctx, "加载行情失败", errors.New("boom"), map[string]interface{}{"symbol": "AAPL"})
	svc.RecordError(ctx, "第二个错误", nil, nil)

	all, err := svc.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventError, all[0].Type)
	assert.Equal(t, EventRunStarted, all[2].Type)

	errs, err := svc.ListEvents(ctx, EventError, 1)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Contains(t, string(errs[0].Payload.(json.RawMessage)), "第二个错误")
}

func TestHandler_ServesEventsAndMetrics(t *testing.T) {
	svc := newService(t)
	svc.RecordNarrative(context.Background(), "gpt-4o-mini", "收益稳定")

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?type=NARRATIVE&limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, EventNarrative, events[0].Type)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
	assert.True(t, strings.HasPrefix(metricsResp.Header.Get("Content-Type"), "text/plain"))
}
