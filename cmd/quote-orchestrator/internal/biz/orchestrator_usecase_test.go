package biz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/domain"
	apperrors "quotegen/pkg/errors"
	"quotegen/pkg/resilience"

	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// fakeQuotaStore 可编程的配额存储
type fakeQuotaStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	limit    int64 // 0 表示不限
	allowErr error
}

func newFakeQuotaStore(limit int64) *fakeQuotaStore {
	return &fakeQuotaStore{counts: make(map[string]int64), limit: limit}
}

func (f *fakeQuotaStore) Allow(_ context.Context, userID string, _ domain.UserTier) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowErr != nil {
		return false, f.allowErr
	}
	if f.limit > 0 && f.counts[userID] >= f.limit {
		return false, nil
	}
	f.counts[userID]++
	return true, nil
}

func (f *fakeQuotaStore) Release(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[userID] > 0 {
		f.counts[userID]--
	}
	return nil
}

func (f *fakeQuotaStore) Count(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[userID], nil
}

// fakeClient 可编程的提供商客户端
type fakeClient struct {
	mu       sync.Mutex
	calls    int
	generate func(ctx context.Context, prompt string) (*domain.Completion, error)
}

func (f *fakeClient) Generate(ctx context.Context, prompt string) (*domain.Completion, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.generate(ctx, prompt)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func succeedingClient(text string) *fakeClient {
	return &fakeClient{generate: func(context.Context, string) (*domain.Completion, error) {
		return &domain.Completion{Text: text, PromptTokens: 10, CompletionTokens: 90}, nil
	}}
}

func failingClient(err error) *fakeClient {
	return &fakeClient{generate: func(context.Context, string) (*domain.Completion, error) {
		return nil, err
	}}
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	breakers     *BreakerSet
	attempts     *AttemptLog
	quota        *fakeQuotaStore
	limits       *fakeRateLimitStore
	clients      map[string]*fakeClient
}

// newOrchestratorFixture 装配完整编排器。
// providers 和 clients 按下标配对。
func newOrchestratorFixture(
	t *testing.T,
	providers []*domain.Provider,
	clients []*fakeClient,
	quota *fakeQuotaStore,
) *orchestratorFixture {
	t.Helper()

	logger := log.DefaultLogger

	registry := domain.NewProviderRegistry()
	ids := make([]string, 0, len(providers))
	clientByID := make(map[string]*fakeClient, len(providers))
	for i, p := range providers {
		registry.Register(p, clients[i])
		ids = append(ids, p.ID)
		clientByID[p.ID] = clients[i]
	}

	breakers := NewBreakerSet(ids, resilience.Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}, logger)
	attempts := NewAttemptLog(10, nil, logger)
	limits := &fakeRateLimitStore{}
	analyzer := NewComplexityAnalyzer(0.6, logger)
	router := NewRouterUsecase(registry, breakers, limits, attempts, nil, logger)
	orchestrator := NewOrchestrator(analyzer, router, registry, breakers, quota, limits, attempts, logger)

	return &orchestratorFixture{
		orchestrator: orchestrator,
		breakers:     breakers,
		attempts:     attempts,
		quota:        quota,
		limits:       limits,
		clients:      clientByID,
	}
}

func basicProviders() []*domain.Provider {
	return []*domain.Provider{
		testProvider("p-primary", domain.TierBasic, 0.9, 0.002, 500, 2),
		testProvider("p-backup", domain.TierBasic, 0.7, 0.001, 800, 1),
	}
}

func TestOrchestrator_SuccessFirstCandidate(t *testing.T) {
	quota := newFakeQuotaStore(10)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{succeedingClient("carpe diem"), succeedingClient("backup")}, quota)

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	result, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateQuote failed: %v", err)
	}

	if result.ProviderUsed != "p-primary" {
		t.Errorf("expected p-primary, got %s", result.ProviderUsed)
	}
	if result.Text != "carpe diem" {
		t.Errorf("unexpected text %q", result.Text)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.TotalTokens != 100 {
		t.Errorf("expected 100 tokens, got %d", result.TotalTokens)
	}
	// cost = 0.002 * 100 / 1000
	if result.CostUSD < 0.00019 || result.CostUSD > 0.00021 {
		t.Errorf("unexpected cost %f", result.CostUSD)
	}

	// 备选不应被调用，配额消耗1次
	if fx.clients["p-backup"].callCount() != 0 {
		t.Error("backup should not be called on primary success")
	}
	if n, _ := quota.Count(context.Background(), "user-1"); n != 1 {
		t.Errorf("expected quota count 1, got %d", n)
	}
}

func TestOrchestrator_FallbackToNextProvider(t *testing.T) {
	quota := newFakeQuotaStore(10)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{
			failingClient(domain.ErrProviderError),
			succeedingClient("from backup"),
		}, quota)

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	result, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateQuote failed: %v", err)
	}

	if result.ProviderUsed != "p-backup" {
		t.Errorf("expected fallback to p-backup, got %s", result.ProviderUsed)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}

	// 失败的尝试进了主提供商的熔断计数
	if snap := fx.breakers.Get("p-primary").Snapshot(); snap.FailureCount != 1 {
		t.Errorf("expected failure count 1 on p-primary, got %d", snap.FailureCount)
	}
	// 成功请求的配额保留
	if n, _ := quota.Count(context.Background(), "user-1"); n != 1 {
		t.Errorf("expected quota count 1, got %d", n)
	}
}

func TestOrchestrator_AllProvidersFailed(t *testing.T) {
	quota := newFakeQuotaStore(10)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{
			failingClient(domain.ErrProviderError),
			failingClient(domain.ErrProviderTimeout),
		}, quota)

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	_, err := fx.orchestrator.GenerateQuote(context.Background(), req)

	if !apperrors.IsAllProvidersFailed(err) {
		t.Fatalf("expected ALL_PROVIDERS_FAILED, got %v", err)
	}

	se := kratoserrors.FromError(err)
	if se.Metadata["p-primary"] == "" || se.Metadata["p-backup"] == "" {
		t.Errorf("expected per-provider diagnostics, got %v", se.Metadata)
	}
	if se.Metadata["order"] != "p-primary,p-backup" {
		t.Errorf("expected attempt order, got %q", se.Metadata["order"])
	}
	if !strings.Contains(se.Metadata["p-backup"], "timeout") {
		t.Errorf("expected timeout kind for p-backup, got %q", se.Metadata["p-backup"])
	}

	// 失败的请求退还配额
	if n, _ := quota.Count(context.Background(), "user-1"); n != 0 {
		t.Errorf("expected quota refunded to 0, got %d", n)
	}
}

func TestOrchestrator_QuotaExceeded(t *testing.T) {
	quota := newFakeQuotaStore(1)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{succeedingClient("a"), succeedingClient("b")}, quota)

	ctx := context.Background()
	req1 := domain.NewQuoteRequest("第一次", "", "user-1", domain.UserTierFree)
	if _, err := fx.orchestrator.GenerateQuote(ctx, req1); err != nil {
		t.Fatalf("first request should succeed: %v", err)
	}

	req2 := domain.NewQuoteRequest("第二次", "", "user-1", domain.UserTierFree)
	_, err := fx.orchestrator.GenerateQuote(ctx, req2)
	if !apperrors.IsQuotaExceeded(err) {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}

	// 超限请求不应触达任何提供商
	if fx.clients["p-primary"].callCount() != 1 {
		t.Errorf("expected exactly 1 provider call, got %d", fx.clients["p-primary"].callCount())
	}

	// 其他用户不受影响
	req3 := domain.NewQuoteRequest("别人的请求", "", "user-2", domain.UserTierFree)
	if _, err := fx.orchestrator.GenerateQuote(ctx, req3); err != nil {
		t.Errorf("other user should not be affected: %v", err)
	}
}

func TestOrchestrator_EmptyPromptTouchesNoCounters(t *testing.T) {
	quota := newFakeQuotaStore(10)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{succeedingClient("a"), succeedingClient("b")}, quota)

	req := domain.NewQuoteRequest("   ", "", "user-1", domain.UserTierFree)
	_, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if !apperrors.IsInvalidRequest(err) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}

	if n, _ := quota.Count(context.Background(), "user-1"); n != 0 {
		t.Errorf("empty prompt must not consume quota, got %d", n)
	}
	if fx.clients["p-primary"].callCount() != 0 {
		t.Error("empty prompt must not reach providers")
	}
}

func TestOrchestrator_NoProviderAvailable(t *testing.T) {
	quota := newFakeQuotaStore(10)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{succeedingClient("a"), succeedingClient("b")}, quota)

	// 两个提供商都打到熔断
	for _, id := range []string{"p-primary", "p-backup"} {
		cb := fx.breakers.Get(id)
		for i := 0; i < 5; i++ {
			cb.RecordFailure()
		}
	}

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	_, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if !apperrors.IsNoProviderAvailable(err) {
		t.Fatalf("expected NO_PROVIDER_AVAILABLE, got %v", err)
	}

	// 预占的配额已退还
	if n, _ := quota.Count(context.Background(), "user-1"); n != 0 {
		t.Errorf("expected quota refunded, got %d", n)
	}
}

func TestOrchestrator_AllCandidatesRateLimited(t *testing.T) {
	quota := newFakeQuotaStore(10)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{succeedingClient("a"), succeedingClient("b")}, quota)

	// 所有候选都被限流预测剔除：区别于熔断导致的不可用，
	// 返回限流错误提示调用方短暂退避
	fx.limits.rejected = map[string]bool{"p-primary": true, "p-backup": true}

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	_, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if !apperrors.IsRateLimited(err) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}

	if fx.clients["p-primary"].callCount() != 0 {
		t.Error("rate-limited candidates must not be invoked")
	}
	// 预占的配额已退还
	if n, _ := quota.Count(context.Background(), "user-1"); n != 0 {
		t.Errorf("expected quota refunded, got %d", n)
	}
}

func TestOrchestrator_QuotaStoreUnavailable(t *testing.T) {
	quota := newFakeQuotaStore(10)
	quota.allowErr = domain.ErrStoreUnavailable
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{succeedingClient("a"), succeedingClient("b")}, quota)

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	_, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if !apperrors.IsNoProviderAvailable(err) {
		t.Fatalf("expected NO_PROVIDER_AVAILABLE on store failure, got %v", err)
	}
	if fx.clients["p-primary"].callCount() != 0 {
		t.Error("store failure must not reach providers")
	}
}

func TestOrchestrator_RateLimitedMidFlight(t *testing.T) {
	quota := newFakeQuotaStore(10)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{succeedingClient("a"), succeedingClient("from backup")}, quota)

	// 路由后、调用前主提供商被限流：Peek为真，Allow为假的竞态
	// 用peekErr让路由过滤失效，同时Allow拒绝
	fx.limits.rejected = map[string]bool{"p-primary": true}
	fx.limits.peekErr = errors.New("transient")

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	result, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateQuote failed: %v", err)
	}

	if result.ProviderUsed != "p-backup" {
		t.Errorf("expected fallback past rate-limited provider, got %s", result.ProviderUsed)
	}
	if fx.clients["p-primary"].callCount() != 0 {
		t.Error("rate-limited provider must not be invoked")
	}
}

func TestOrchestrator_InvalidUserTier(t *testing.T) {
	quota := newFakeQuotaStore(10)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{succeedingClient("a"), succeedingClient("b")}, quota)

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTier("vip"))
	_, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if !apperrors.IsInvalidRequest(err) {
		t.Fatalf("expected INVALID_REQUEST for unknown tier, got %v", err)
	}
}

func TestOrchestrator_TimeoutClassifiedAndCounted(t *testing.T) {
	quota := newFakeQuotaStore(10)
	timeoutClient := &fakeClient{generate: func(ctx context.Context, _ string) (*domain.Completion, error) {
		return nil, context.DeadlineExceeded
	}}
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{timeoutClient, succeedingClient("ok")}, quota)

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	result, err := fx.orchestrator.GenerateQuote(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateQuote failed: %v", err)
	}
	if result.ProviderUsed != "p-backup" {
		t.Errorf("expected fallback, got %s", result.ProviderUsed)
	}

	// 超时计入熔断失败
	if snap := fx.breakers.Get("p-primary").Snapshot(); snap.FailureCount != 1 {
		t.Errorf("timeout should count as breaker failure, got %d", snap.FailureCount)
	}

	// 尝试窗口记录了timeout结果
	stats, ok := fx.attempts.Stats("p-primary")
	if !ok || stats.Failures != 1 {
		t.Errorf("expected 1 recorded failure for p-primary, got %+v", stats)
	}
}

func TestOrchestrator_CanceledContextStopsAttempts(t *testing.T) {
	quota := newFakeQuotaStore(10)

	ctx, cancel := context.WithCancel(context.Background())
	cancelingClient := &fakeClient{generate: func(context.Context, string) (*domain.Completion, error) {
		cancel()
		return nil, context.Canceled
	}}
	backup := succeedingClient("should not run")

	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{cancelingClient, backup}, quota)

	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	_, err := fx.orchestrator.GenerateQuote(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if backup.callCount() != 0 {
		t.Error("canceled request must not try further providers")
	}
	if n, _ := quota.Count(context.Background(), "user-1"); n != 0 {
		t.Errorf("canceled request should refund quota, got %d", n)
	}
}

func TestOrchestrator_RepeatedFailuresOpenBreaker(t *testing.T) {
	quota := newFakeQuotaStore(100)
	fx := newOrchestratorFixture(t, basicProviders(),
		[]*fakeClient{failingClient(domain.ErrProviderError), succeedingClient("ok")}, quota)

	ctx := context.Background()
	// 熔断阈值3：三次请求后主提供商熔断
	for i := 0; i < 3; i++ {
		req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
		if _, err := fx.orchestrator.GenerateQuote(ctx, req); err != nil {
			t.Fatalf("request %d should fall back and succeed: %v", i, err)
		}
	}

	if state := fx.breakers.Get("p-primary").State(); state != resilience.StateOpen {
		t.Fatalf("expected p-primary breaker open, got %s", state)
	}

	// 熔断后的请求不再触达主提供商
	calls := fx.clients["p-primary"].callCount()
	req := domain.NewQuoteRequest("给我一句话", "", "user-1", domain.UserTierFree)
	if _, err := fx.orchestrator.GenerateQuote(ctx, req); err != nil {
		t.Fatalf("request after breaker open should succeed via backup: %v", err)
	}
	if fx.clients["p-primary"].callCount() != calls {
		t.Error("open breaker must shield the provider")
	}
}
