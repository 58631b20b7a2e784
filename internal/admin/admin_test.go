package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentguard/internal/coordinator"
	"github.com/NikhilSetiya/agentguard/internal/ledger"
	"github.com/NikhilSetiya/agentguard/internal/ratelimit"
	"github.com/NikhilSetiya/agentguard/internal/store"
	"github.com/NikhilSetiya/agentguard/internal/upstream"
	"github.com/NikhilSetiya/agentguard/pkg/config"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/health"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
	"github.com/NikhilSetiya/agentguard/pkg/metrics"
	"github.com/NikhilSetiya/agentguard/pkg/resilience"
)

type fakeLedger struct {
	subject string
	limit   int
	records []ledger.Record
}

func (f *fakeLedger) Recent(ctx context.Context, subject string, limit int) ([]ledger.Record, error) {
	f.subject, f.limit = subject, limit
	return f.records, nil
}

type failingQuotas struct{}

func (failingQuotas) Status(ctx context.Context, subject string) (map[ratelimit.Dimension][]ratelimit.DimensionStatus, error) {
	return nil, errors.NewDatabaseError("counting store unavailable")
}

type fixture struct {
	router   *gin.Engine
	limiter  *ratelimit.Limiter
	breakers *resilience.BreakerRegistry
	ledger   *fakeLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemoryStore(0)
	t.Cleanup(func() { mem.Close() })

	limiter := ratelimit.NewLimiter(mem, ratelimit.NewStaticPolicy(&ratelimit.Policy{
		DefaultTier: "standard",
		Tiers: map[string][]ratelimit.Rule{"standard": {
			{Name: "rpm", Dimension: ratelimit.DimensionRequests, Window: time.Minute, Quota: 5},
			{Name: "in-flight", Dimension: ratelimit.DimensionConcurrent, Quota: 2},
		}},
	}), ratelimit.WithLogger(logging.NewNop()))

	breakers := resilience.NewBreakerRegistry(func(resource string) resilience.CircuitBreakerConfig {
		cfg := resilience.DefaultCircuitBreakerConfig(resource)
		cfg.FailureThreshold = 1
		return cfg
	}, resilience.WithRegistryLogger(logging.NewNop()))

	healthService := health.NewService(logging.NewNop(), nil)
	healthService.RegisterChecker("store", health.NewStoreChecker(mem, nil, "store"))

	fl := &fakeLedger{records: []ledger.Record{{
		ID:        "a",
		Subject:   "tenant-A",
		Status:    "failed",
		ErrorKind: ledger.NullString("breaker_open"),
		ErrorCode: ledger.NullString("CIRCUIT_BREAKER_OPEN"),
	}}}

	router := NewRouter(Dependencies{
		Quotas:   limiter,
		Breakers: breakers,
		Ledger:   fl,
		Health:   healthService,
		Metrics:  metrics.NewMetrics(metrics.DefaultConfig(), prometheus.NewRegistry()),
		Logger:   logging.NewNop(),
	}, Options{CORSOrigins: []string{"https://ops.example.com"}})

	return &fixture{router: router, limiter: limiter, breakers: breakers, ledger: fl}
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/healthz", "/readyz", "/livez"} {
		w, body := f.do(t, http.MethodGet, path)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.NotEmpty(t, body["status"], path)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"), path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/livez")

	w, _ := f.do(t, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agentguard_http_requests_total")
}

func TestGetQuotas(t *testing.T) {
	f := newFixture(t)

	admission, err := f.limiter.Admit(context.Background(), "tenant-A", "llm-provider")
	require.NoError(t, err)
	require.True(t, admission.Decision.Allowed)

	w, body := f.do(t, http.MethodGet, "/v1/quotas/tenant-A")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "tenant-A", data["subject"])
	dims := data["dimensions"].(map[string]interface{})

	requests := dims["requests"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(1), requests["used"])
	assert.Equal(t, float64(4), requests["remaining"])

	concurrent := dims["concurrent"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, float64(1), concurrent["used"])

	require.NoError(t, admission.Token.Release(context.Background()))
}

func TestGetQuotasStoreFailure(t *testing.T) {
	router := NewRouter(Dependencies{
		Quotas:   failingQuotas{},
		Breakers: resilience.NewBreakerRegistry(resilience.DefaultCircuitBreakerConfig),
		Logger:   logging.NewNop(),
	}, Options{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/quotas/tenant-A", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), errors.CodeDatabase)
}

func TestBreakerEndpoints(t *testing.T) {
	f := newFixture(t)

	guard, err := f.breakers.Get("db").Allow()
	require.NoError(t, err)
	guard.Done(errors.NewDatabaseError("connection refused"))
	_, err = f.breakers.Get("search").Allow()
	require.NoError(t, err)

	w, body := f.do(t, http.MethodGet, "/v1/breakers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"].([]interface{}), 2)

	w, body = f.do(t, http.MethodGet, "/v1/breakers/db")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OPEN", body["data"].(map[string]interface{})["state"])

	w, body = f.do(t, http.MethodGet, "/v1/breakers/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.CodeNotFound, body["error"].(map[string]interface{})["code"])

	w, _ = f.do(t, http.MethodPost, "/v1/breakers/db/reset")
	require.Equal(t, http.StatusOK, w.Code)
	snapshots, err := f.breakers.Metrics("db")
	require.NoError(t, err)
	assert.Equal(t, resilience.StateClosed, snapshots[0].State)

	w, _ = f.do(t, http.MethodPost, "/v1/breakers/unknown/reset")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = f.do(t, http.MethodPost, "/v1/breakers/reset")
	require.Equal(t, http.StatusOK, w.Code)
	reset := body["data"].(map[string]interface{})["reset"].([]interface{})
	assert.ElementsMatch(t, []interface{}{"db", "search"}, reset)
}

func TestListExecutions(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/v1/executions/tenant-A?limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	records := body["data"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "breaker_open", records[0].(map[string]interface{})["error_kind"])
	assert.Equal(t, "CIRCUIT_BREAKER_OPEN", records[0].(map[string]interface{})["error_code"])
	assert.Equal(t, "tenant-A", f.ledger.subject)
	assert.Equal(t, 10, f.ledger.limit)

	w, _ = f.do(t, http.MethodGet, "/v1/executions/tenant-A?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/breakers", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/breakers", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *errors.ClassifiedError
		want int
	}{
		{nil, http.StatusOK},
		{errors.NewValidationError("bad"), http.StatusBadRequest},
		{errors.NewNotFoundError("thing"), http.StatusNotFound},
		{errors.NewRateLimitError("rpm exceeded"), http.StatusTooManyRequests},
		{errors.NewBreakerOpenError("db"), http.StatusServiceUnavailable},
		{errors.NewExternalServiceError("llm", "down"), http.StatusBadGateway},
		{errors.NewExecutionTimeoutError("op", time.Second), http.StatusGatewayTimeout},
		{errors.NewCancelledError("op"), statusClientClosedRequest},
		{errors.NewConfigurationError("missing key"), http.StatusInternalServerError},
		{errors.Classify(stderrors.New("boom")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Code
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestExecutionResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Now()

	rejected := &coordinator.ExecutionResult{
		Status: coordinator.StatusRejected,
		Error:  errors.NewRateLimitError("rpm exceeded"),
		RateLimit: &ratelimit.Decision{
			Limit:     5,
			Remaining: 0,
			ResetAt:   now.Add(30 * time.Second),
			Dimension: ratelimit.DimensionRequests,
			Rule:      "rpm",
		},
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	ExecutionResponse(c, rejected)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter := w.Header().Get("Retry-After")
	assert.Contains(t, []string{"30", "31"}, retryAfter)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	probeAt := now.Add(12 * time.Second)
	breakerOpen := &coordinator.ExecutionResult{
		Status:    coordinator.StatusRejected,
		Error:     errors.NewBreakerOpenError("db"),
		ProbeAt:   &probeAt,
		RateLimit: &ratelimit.Decision{Allowed: true, Limit: 5, Remaining: 4, ResetAt: now.Add(time.Minute)},
	}
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	ExecutionResponse(c, breakerOpen)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, []string{"12", "13"}, w.Header().Get("Retry-After"), "the breaker's next probe, not the quota reset")

	succeeded := &coordinator.ExecutionResult{Status: coordinator.StatusSucceeded, Output: "ok"}
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	ExecutionResponse(c, succeeded)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestExecuteEndpoint(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Usage-Tokens", "7")
		_, _ = w.Write([]byte("done"))
	}))
	defer backend.Close()

	mem := store.NewMemoryStore(0)
	defer mem.Close()

	limiter := ratelimit.NewLimiter(mem, ratelimit.NewStaticPolicy(&ratelimit.Policy{
		DefaultTier: "standard",
		Tiers: map[string][]ratelimit.Rule{"standard": {
			{Name: "rpm", Dimension: ratelimit.DimensionRequests, Window: time.Minute, Quota: 1},
		}},
	}), ratelimit.WithLogger(logging.NewNop()))
	breakers := resilience.NewBreakerRegistry(resilience.DefaultCircuitBreakerConfig,
		resilience.WithRegistryLogger(logging.NewNop()))

	client, err := upstream.NewClient(&config.ExecutionConfig{
		Upstreams:    map[string]string{"llm-provider": backend.URL},
		UsageHeader:  "X-Usage-Tokens",
		MaxBodyBytes: 1024,
	}, nil)
	require.NoError(t, err)

	router := NewRouter(Dependencies{
		Quotas:    limiter,
		Breakers:  breakers,
		Executor:  coordinator.New(limiter, breakers, coordinator.WithLogger(logging.NewNop())),
		Upstreams: client,
		Logger:    logging.NewNop(),
	}, Options{})

	call := func(resource, query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/execute/"+resource+query, strings.NewReader("prompt"))
		req.Header.Set("X-Tenant-ID", "tenant-A")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := call("llm-provider", "?timeout=5s")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "succeeded", data["status"])
	assert.Equal(t, "tenant-A", data["subject"])
	assert.Equal(t, float64(7), data["usage"])

	w = call("llm-provider", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), errors.CodeRateLimitExceeded)

	w = call("unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call("llm-provider", "?timeout=soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
