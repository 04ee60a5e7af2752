package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planogram-cli/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:     0.10,
		BudgetExhaustedThreshold: 0.25,
		CostThresholdUSD:         500.0,
		AccuracyFloor:            0.80,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		JobsTotal:           100,
		JobsSucceeded:       90,
		JobsBudgetExhausted: 5,
		JobsFailed:          5,
		FailRate:            0.05,
		BudgetExhaustedRate: 0.05,
		CostUSD:             100.0,
		AvgAccuracy:         0.93,
		LookbackHours:       24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_JobFailureRate(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		JobsTotal:     20,
		JobsSucceeded: 12,
		JobsFailed:    8,
		FailRate:      0.4,
		AvgAccuracy:   0.95,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_BudgetExhaustion(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		JobsTotal:           10,
		JobsSucceeded:       6,
		JobsBudgetExhausted: 4,
		BudgetExhaustedRate: 0.4,
		AvgAccuracy:         0.9,
		LookbackHours:       12,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBudgetExhaustion, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "4 of 10 jobs")
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	cfg := thresholds()
	cfg.CostThresholdUSD = 100.0
	a := NewAlerter(cfg)

	snap := &MetricsSnapshot{
		JobsTotal:     50,
		JobsSucceeded: 50,
		CostUSD:       250.0,
		AvgAccuracy:   0.96,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")
}

func TestAlerter_Evaluate_LowAccuracy(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		JobsTotal:         8,
		JobsMaxIterations: 8,
		AvgAccuracy:       0.72,
		AvgIterations:     5,
		LookbackHours:     24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowAccuracy, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "0.720")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	cfg := thresholds()
	cfg.CostThresholdUSD = 100.0
	a := NewAlerter(cfg)

	snap := &MetricsSnapshot{
		JobsTotal:           20,
		JobsSucceeded:       5,
		JobsBudgetExhausted: 6,
		JobsFailed:          9,
		FailRate:            0.45,
		BudgetExhaustedRate: 0.3,
		CostUSD:             300.0,
		AvgAccuracy:         0.6,
		LookbackHours:       24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 4)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertJobFailureRate])
	assert.True(t, types[AlertBudgetExhaustion])
	assert.True(t, types[AlertCostOverrun])
	assert.True(t, types[AlertLowAccuracy])
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(thresholds())

	// Only 3 finished jobs, below the minimum for rate alerts.
	snap := &MetricsSnapshot{
		JobsTotal:     3,
		JobsSucceeded: 1,
		JobsFailed:    2,
		FailRate:      0.666,
		AvgAccuracy:   0.5,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_ZeroThresholdsDisable(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		JobsTotal:     40,
		JobsFailed:    40,
		FailRate:      1,
		CostUSD:       999.0,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertJobFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertCostOverrun, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertJobFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})

	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertLowAccuracy, Message: "test"}})
	assert.Equal(t, 0, sent)
}
