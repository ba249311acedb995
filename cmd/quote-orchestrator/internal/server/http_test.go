package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/biz"
	"quotegen/cmd/quote-orchestrator/internal/data"
	"quotegen/cmd/quote-orchestrator/internal/domain"
	"quotegen/cmd/quote-orchestrator/internal/service"
	"quotegen/pkg/resilience"

	"github.com/go-kratos/kratos/v2/log"
)

type okClient struct{}

func (okClient) Generate(context.Context, string) (*domain.Completion, error) {
	return &domain.Completion{Text: "fortune favors the bold", PromptTokens: 5, CompletionTokens: 10}, nil
}

func (okClient) HealthCheck(context.Context) error { return nil }

// newTestServer 端到端装配：真实biz/data组件加桩提供商客户端
func newTestServer(t *testing.T, freeLimit int64) (*HTTPServer, *service.OrchestratorService) {
	t.Helper()

	logger := log.DefaultLogger

	registry := domain.NewProviderRegistry()
	registry.Register(&domain.Provider{
		ID:              "stub-basic",
		Family:          "test",
		Model:           "stub-basic",
		Tier:            domain.TierBasic,
		Quality:         0.8,
		CostPer1KTokens: 0.002,
		NominalLatency:  500 * time.Millisecond,
		RatePerMinute:   100,
		Timeout:         5 * time.Second,
		Priority:        1,
		Enabled:         true,
	}, okClient{})

	quota := data.NewMemoryQuotaStore(map[domain.UserTier]int64{
		domain.UserTierFree:    freeLimit,
		domain.UserTierPremium: 0,
	}, time.UTC)
	limits := data.NewMemoryRateLimitStore(map[string]int64{"stub-basic": 100}, time.Minute)

	breakers := biz.NewBreakerSet([]string{"stub-basic"}, resilience.DefaultConfig(), logger)
	attempts := biz.NewAttemptLog(10, nil, logger)
	analyzer := biz.NewComplexityAnalyzer(0.6, logger)
	router := biz.NewRouterUsecase(registry, breakers, limits, attempts, nil, logger)
	orchestrator := biz.NewOrchestrator(analyzer, router, registry, breakers, quota, limits, attempts, logger)
	svc := service.NewOrchestratorService(orchestrator, registry, breakers, attempts, quota, logger)

	return NewHTTPServer(svc, logger, ":0"), svc
}

func doJSON(t *testing.T, srv *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestHTTPServer_GenerateQuote(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/quotes/generate",
		`{"prompt": "给我一句话", "user_id": "user-1", "user_tier": "free"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result domain.QuoteResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if result.ProviderUsed != "stub-basic" {
		t.Errorf("unexpected provider %s", result.ProviderUsed)
	}
	if result.Text == "" {
		t.Error("expected non-empty text")
	}
	if !strings.HasPrefix(result.RequestID, "req_") {
		t.Errorf("unexpected request id %s", result.RequestID)
	}
}

func TestHTTPServer_ValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	testCases := []struct {
		name       string
		body       string
		wantStatus int
		wantReason string
	}{
		{
			name:       "缺少prompt",
			body:       `{"user_id": "user-1"}`,
			wantStatus: http.StatusBadRequest,
			wantReason: "INVALID_REQUEST",
		},
		{
			name:       "空白prompt",
			body:       `{"prompt": "   ", "user_id": "user-1"}`,
			wantStatus: http.StatusBadRequest,
			wantReason: "INVALID_REQUEST",
		},
		{
			name:       "非法user_tier",
			body:       `{"prompt": "hello", "user_id": "user-1", "user_tier": "vip"}`,
			wantStatus: http.StatusBadRequest,
			wantReason: "INVALID_REQUEST",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/quotes/generate", tc.body)
			if rec.Code != tc.wantStatus {
				t.Errorf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tc.wantReason) {
				t.Errorf("expected reason %s in body %s", tc.wantReason, rec.Body.String())
			}
		})
	}
}

func TestHTTPServer_QuotaExceededIs429(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	body := `{"prompt": "给我一句话", "user_id": "user-1", "user_tier": "free"}`

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/quotes/generate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/quotes/generate", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "QUOTA_EXCEEDED") {
		t.Errorf("expected QUOTA_EXCEEDED, got %s", rec.Body.String())
	}
}

func TestHTTPServer_ProvidersHealth(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/providers/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Providers []struct {
			ID           string `json:"id"`
			CircuitState string `json:"circuit_state"`
		} `json:"providers"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Count != 1 || resp.Providers[0].ID != "stub-basic" {
		t.Errorf("unexpected providers payload: %s", rec.Body.String())
	}
	if resp.Providers[0].CircuitState != "closed" {
		t.Errorf("expected closed circuit, got %s", resp.Providers[0].CircuitState)
	}
}

func TestHTTPServer_QuotaUsage(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	doJSON(t, srv, http.MethodPost, "/api/v1/quotes/generate",
		`{"prompt": "给我一句话", "user_id": "user-7", "user_tier": "free"}`)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/quota/user-7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var usage struct {
		UserID string `json:"user_id"`
		Used   int64  `json:"used"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &usage); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if usage.UserID != "user-7" || usage.Used != 1 {
		t.Errorf("unexpected usage payload: %s", rec.Body.String())
	}
}

func TestHTTPServer_HealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	for _, path := range []string{"/health", "/ready"} {
		rec := doJSON(t, srv, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

// failingProbe 永远失败的就绪探针
type failingProbe struct{}

func (failingProbe) HealthCheck(context.Context) error {
	return errors.New("connection refused")
}

func TestHTTPServer_ReadinessReportsFailingProbe(t *testing.T) {
	srv, svc := newTestServer(t, 10)
	svc.RegisterProbe("clickhouse", failingProbe{})

	rec := doJSON(t, srv, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "clickhouse") ||
		!strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("expected failing probe in body, got %s", rec.Body.String())
	}
}

func TestHTTPServer_ProvidersHealthLiveProbe(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/providers/health?live=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Providers []struct {
			ID    string `json:"id"`
			Probe string `json:"probe"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Providers) != 1 || resp.Providers[0].Probe != "ok" {
		t.Errorf("expected live probe ok, got %s", rec.Body.String())
	}
}

// fakeStatsSource 固定返回一行日统计
type fakeStatsSource struct{}

func (fakeStatsSource) DailyStats(_ context.Context, providerID string, _ int) ([]*domain.ProviderDailyStats, error) {
	return []*domain.ProviderDailyStats{
		{ProviderID: providerID, AttemptCount: 42, SuccessCount: 40, TotalCostUSD: 0.08},
	}, nil
}

func TestHTTPServer_ProviderStats(t *testing.T) {
	srv, svc := newTestServer(t, 10)

	// 未配置落地存储：如实报告统计不可用
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/providers/stats", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without stats source, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "STATS_UNAVAILABLE") {
		t.Errorf("expected STATS_UNAVAILABLE, got %s", rec.Body.String())
	}

	svc.SetStatsSource(fakeStatsSource{})

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/providers/stats?provider=stub-basic&days=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Stats []struct {
			ProviderID   string  `json:"provider_id"`
			AttemptCount uint64  `json:"attempt_count"`
			TotalCostUSD float64 `json:"total_cost_usd"`
		} `json:"stats"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Count != 1 || resp.Stats[0].ProviderID != "stub-basic" || resp.Stats[0].AttemptCount != 42 {
		t.Errorf("unexpected stats payload: %s", rec.Body.String())
	}
}
