package biz

import (
	"context"
	"math"
	"sort"

	"quotegen/cmd/quote-orchestrator/internal/domain"
	"quotegen/pkg/resilience"

	"github.com/go-kratos/kratos/v2/log"
)

// 评分权重，三项合计恒为1.0
const (
	weightQuality = 0.4
	weightCost    = 0.3
	weightLatency = 0.3
)

// RouteDecision 路由决策结果
type RouteDecision struct {
	// Candidates 有序候选列表，编排器严格按此顺序尝试
	Candidates []*domain.Provider
	// Variant 本次请求的实验变体
	Variant string
	// Scores 各候选得分（日志与诊断用）
	Scores map[string]float64
	// ExcludedByBreaker 预过滤中因熔断打开剔除的候选数
	ExcludedByBreaker int
	// ExcludedByRateLimit 预过滤中因限流预测剔除的候选数。
	// 候选清空且只有限流剔除时，编排器据此返回限流错误
	ExcludedByRateLimit int
}

// RouterUsecase 路由器：过滤、评分、排序候选提供商。
// 这里的熔断与限流读取只做预测，允许读到略旧的状态；
// 权威检查由编排器在调用前完成。
type RouterUsecase struct {
	registry   *domain.ProviderRegistry
	breakers   *BreakerSet
	rateLimits domain.RateLimitStore
	attempts   *AttemptLog
	assigner   ExperimentAssigner
	log        *log.Helper
}

// NewRouterUsecase 创建路由器
func NewRouterUsecase(
	registry *domain.ProviderRegistry,
	breakers *BreakerSet,
	rateLimits domain.RateLimitStore,
	attempts *AttemptLog,
	assigner ExperimentAssigner,
	logger log.Logger,
) *RouterUsecase {
	if assigner == nil {
		assigner = NoopAssigner{}
	}
	return &RouterUsecase{
		registry:   registry,
		breakers:   breakers,
		rateLimits: rateLimits,
		attempts:   attempts,
		assigner:   assigner,
		log:        log.NewHelper(log.With(logger, "module", "router")),
	}
}

// Route 为请求返回有序候选列表。
// 配额在编排器入口按用户检查一次，不在这里逐提供商评估。
func (uc *RouterUsecase) Route(ctx context.Context, req *domain.QuoteRequest, desired domain.Tier) *RouteDecision {
	candidates := uc.registry.CandidatesForTier(desired)

	// 过滤：熔断打开或限流预测拒绝的提供商
	filtered := make([]*domain.Provider, 0, len(candidates))
	excludedBreaker, excludedRate := 0, 0
	for _, p := range candidates {
		if cb := uc.breakers.Get(p.ID); cb != nil && cb.State() == resilience.StateOpen {
			excludedBreaker++
			continue
		}
		if allowed, err := uc.rateLimits.Peek(ctx, p.ID); err == nil && !allowed {
			excludedRate++
			continue
		}
		// Peek 出错时不剔除：权威检查在调用前兜底
		filtered = append(filtered, p)
	}

	variant, alternate := uc.assigner.Assign(req.UserID)

	scores := uc.score(req, filtered)

	if alternate {
		// 备选排序：成本优先，仍然完全确定
		sort.SliceStable(filtered, func(i, j int) bool {
			ci, cj := filtered[i].CostPer1KTokens, filtered[j].CostPer1KTokens
			if ci != cj {
				return ci < cj
			}
			if filtered[i].Priority != filtered[j].Priority {
				return filtered[i].Priority > filtered[j].Priority
			}
			return filtered[i].ID < filtered[j].ID
		})
	} else {
		// 默认排序：得分降序，并列按声明优先级、ID
		sort.SliceStable(filtered, func(i, j int) bool {
			si, sj := scores[filtered[i].ID], scores[filtered[j].ID]
			if math.Abs(si-sj) > 1e-9 {
				return si > sj
			}
			if filtered[i].Priority != filtered[j].Priority {
				return filtered[i].Priority > filtered[j].Priority
			}
			return filtered[i].ID < filtered[j].ID
		})
	}

	if len(filtered) > 0 {
		uc.log.WithContext(ctx).Debugf(
			"request %s routed: %d candidates, first %s, variant %s",
			req.ID, len(filtered), filtered[0].ID, variant,
		)
	}

	return &RouteDecision{
		Candidates:          filtered,
		Variant:             variant,
		Scores:              scores,
		ExcludedByBreaker:   excludedBreaker,
		ExcludedByRateLimit: excludedRate,
	}
}

// score 计算各候选得分：
// score = 0.4*quality + 0.3*(1/normCost) + 0.3*(1/normLatency)
// 成本与延迟以候选中的最小值归一；窗口无数据时回退标称值。
func (uc *RouterUsecase) score(req *domain.QuoteRequest, candidates []*domain.Provider) map[string]float64 {
	scores := make(map[string]float64, len(candidates))
	if len(candidates) == 0 {
		return scores
	}

	costs := make(map[string]float64, len(candidates))
	latencies := make(map[string]float64, len(candidates))

	minCost := math.MaxFloat64
	minLatency := math.MaxFloat64

	for _, p := range candidates {
		cost := p.EstimateCost(req.EstTokens)
		latency := float64(p.NominalLatency.Milliseconds())

		if stats, ok := uc.attempts.Stats(p.ID); ok {
			if stats.AvgCostUSD > 0 {
				cost = stats.AvgCostUSD
			}
			if stats.AvgLatencyMs > 0 {
				latency = stats.AvgLatencyMs
			}
		}

		if cost <= 0 {
			cost = 1e-6
		}
		if latency <= 0 {
			latency = 1
		}

		costs[p.ID] = cost
		latencies[p.ID] = latency
		if cost < minCost {
			minCost = cost
		}
		if latency < minLatency {
			minLatency = latency
		}
	}

	for _, p := range candidates {
		normCost := costs[p.ID] / minCost
		normLatency := latencies[p.ID] / minLatency
		scores[p.ID] = weightQuality*p.Quality +
			weightCost*(1/normCost) +
			weightLatency*(1/normLatency)
	}

	return scores
}
