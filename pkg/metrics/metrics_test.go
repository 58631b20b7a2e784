package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(DefaultConfig(), prometheus.NewRegistry())
}

func TestRecordExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordExecution("llm-provider", "succeeded", 2, 150*time.Millisecond)
	m.RecordExecution("llm-provider", "succeeded", 1, 50*time.Millisecond)
	m.RecordExecution("llm-provider", "rejected", 0, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("llm-provider", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("llm-provider", "rejected")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExecutionAttempts))
}

func TestConcurrencyGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.ExecutionStarted("db")
	m.ExecutionStarted("db")
	m.ExecutionFinished("db")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConcurrencyInFlight.WithLabelValues("db")))
}

func TestRateLimitAndBreakerMetrics(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDecision("requests", true)
	m.RecordDecision("requests", false)
	m.RecordDegraded("admit")
	m.RecordBreakerTransition("db", "CLOSED", "OPEN", 1)
	m.RecordBreakerRejection("db")
	m.RecordUsage("llm-provider", 1200)
	m.RecordUsage("llm-provider", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("requests", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDegraded.WithLabelValues("admit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("db")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("db", "CLOSED", "OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerRejections.WithLabelValues("db")))
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.UsageRecorded.WithLabelValues("llm-provider")))
}

func TestStoreOperationOutcome(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStoreOperation("evaluate", nil, time.Millisecond)
	m.RecordStoreOperation("evaluate", errors.New("down"), time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(m.StoreOperationDuration))
}

func TestDisabledAndNilMetricsAreNoops(t *testing.T) {
	disabled := NewMetrics(&Config{Enabled: false}, nil)
	var nilMetrics *Metrics

	for _, m := range []*Metrics{disabled, nilMetrics} {
		assert.NotPanics(t, func() {
			m.RecordExecution("r", "succeeded", 1, time.Second)
			m.ExecutionStarted("r")
			m.ExecutionFinished("r")
			m.RecordDecision("requests", true)
			m.RecordDegraded("admit")
			m.RecordBreakerTransition("r", "CLOSED", "OPEN", 1)
			m.SetBreakerState("r", 0)
			m.RecordBreakerRejection("r")
			m.RecordStoreOperation("evaluate", nil, time.Millisecond)
			m.UpdateStoreConnections(1, 1, 0)
			m.UpdateDatabaseConnections(1, 1, 10)
			m.RecordError("coordinator", "internal")
			m.RecordPanic("coordinator")
			m.RecordUsage("r", 1)
		})
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMetrics(t)
	m.RecordExecution("db", "failed", 3, time.Second)

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `agentguard_executions_total{resource="db",status="failed"} 1`)
}

func TestMetricsCollector(t *testing.T) {
	m := newTestMetrics(t)

	calls := 0
	collector := NewMetricsCollector(m, time.Hour, func(m *Metrics) {
		calls++
		m.SetBreakerState("db", 2)
	})
	collector.Collect()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("db")))
}
