package data

import (
	"context"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/sony/gobreaker"
)

// storeBreaker Redis往返的保护熔断器。
// Redis不可达时快速失败，避免每个请求都等到超时。
func storeBreaker(name string, logger *log.Helper) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("store breaker %s: %s -> %s", name, from, to)
		},
	})
}

// GuardedQuotaStore 带熔断保护的配额存储。
// 配额是硬性业务约束，存储不可用时拒绝请求（fail closed），
// 错误由上层转换为服务不可用响应。
type GuardedQuotaStore struct {
	inner domain.QuotaStore
	cb    *gobreaker.CircuitBreaker
	log   *log.Helper
}

// NewGuardedQuotaStore 包装配额存储
func NewGuardedQuotaStore(inner domain.QuotaStore, logger log.Logger) *GuardedQuotaStore {
	helper := log.NewHelper(log.With(logger, "module", "quota_guard"))
	return &GuardedQuotaStore{
		inner: inner,
		cb:    storeBreaker("quota", helper),
		log:   helper,
	}
}

// Allow 存储不可用时返回 ErrStoreUnavailable
func (g *GuardedQuotaStore) Allow(ctx context.Context, userID string, tier domain.UserTier) (bool, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		allowed, allowErr := g.inner.Allow(ctx, userID, tier)
		return allowed, allowErr
	})
	if err != nil {
		g.log.Warnf("quota allow unavailable for %s: %v", userID, err)
		return false, domain.ErrStoreUnavailable
	}
	return result.(bool), nil
}

// Release 退还预占。熔断打开时放弃退还，只记日志：
// 少退一次比阻塞失败路径更可接受。
func (g *GuardedQuotaStore) Release(ctx context.Context, userID string) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.inner.Release(ctx, userID)
	})
	if err != nil {
		g.log.Warnf("quota release unavailable for %s: %v", userID, err)
		return domain.ErrStoreUnavailable
	}
	return nil
}

// Count 当日已用次数
func (g *GuardedQuotaStore) Count(ctx context.Context, userID string) (int64, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		n, countErr := g.inner.Count(ctx, userID)
		return n, countErr
	})
	if err != nil {
		return 0, domain.ErrStoreUnavailable
	}
	return result.(int64), nil
}

// GuardedRateLimitStore 带熔断保护的限流存储。
// 限流是保护性约束，存储不可用时放行（fail open）：
// 提供商自身的限流与熔断器仍然兜底。
type GuardedRateLimitStore struct {
	inner domain.RateLimitStore
	cb    *gobreaker.CircuitBreaker
	log   *log.Helper
}

// NewGuardedRateLimitStore 包装限流存储
func NewGuardedRateLimitStore(inner domain.RateLimitStore, logger log.Logger) *GuardedRateLimitStore {
	helper := log.NewHelper(log.With(logger, "module", "ratelimit_guard"))
	return &GuardedRateLimitStore{
		inner: inner,
		cb:    storeBreaker("ratelimit", helper),
		log:   helper,
	}
}

// Allow 存储不可用时放行
func (g *GuardedRateLimitStore) Allow(ctx context.Context, providerID string) (bool, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		allowed, allowErr := g.inner.Allow(ctx, providerID)
		return allowed, allowErr
	})
	if err != nil {
		g.log.Warnf("ratelimit allow unavailable for %s, failing open: %v", providerID, err)
		return true, nil
	}
	return result.(bool), nil
}

// Peek 存储不可用时放行
func (g *GuardedRateLimitStore) Peek(ctx context.Context, providerID string) (bool, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		allowed, peekErr := g.inner.Peek(ctx, providerID)
		return allowed, peekErr
	})
	if err != nil {
		return true, nil
	}
	return result.(bool), nil
}
