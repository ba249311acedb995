package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/domain"
	apperrors "quotegen/pkg/errors"
	"quotegen/pkg/monitoring"
	"quotegen/pkg/observability"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
)

const defaultProviderTimeout = 30 * time.Second

// Orchestrator 重试/降级编排器，本核心的公共入口。
// 候选严格按路由器给出的顺序逐一尝试，绝不并行竞速，
// 保证成本与配额记账精确（每次调用只计费一个提供商）。
type Orchestrator struct {
	analyzer   *ComplexityAnalyzer
	router     *RouterUsecase
	registry   *domain.ProviderRegistry
	breakers   *BreakerSet
	quota      domain.QuotaStore
	rateLimits domain.RateLimitStore
	attempts   *AttemptLog
	log        *log.Helper
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	analyzer *ComplexityAnalyzer,
	router *RouterUsecase,
	registry *domain.ProviderRegistry,
	breakers *BreakerSet,
	quota domain.QuotaStore,
	rateLimits domain.RateLimitStore,
	attempts *AttemptLog,
	logger log.Logger,
) *Orchestrator {
	return &Orchestrator{
		analyzer:   analyzer,
		router:     router,
		registry:   registry,
		breakers:   breakers,
		quota:      quota,
		rateLimits: rateLimits,
		attempts:   attempts,
		log:        log.NewHelper(log.With(logger, "module", "orchestrator")),
	}
}

// GenerateQuote 执行一次生成请求。
// 校验 → 配额 → 复杂度 → 路由 → 按序尝试候选；
// 首个成功立即返回，全部失败返回聚合错误。
func (o *Orchestrator) GenerateQuote(ctx context.Context, req *domain.QuoteRequest) (*domain.QuoteResult, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.GenerateQuote",
		attribute.String("request.id", req.ID),
		attribute.String("user.tier", string(req.UserTier)),
	)

	result, err := o.generate(ctx, req)
	observability.EndSpan(span, err)
	return result, err
}

func (o *Orchestrator) generate(ctx context.Context, req *domain.QuoteRequest) (*domain.QuoteResult, error) {
	// 1. 校验：空提示词快速失败，不接触任何计数器
	if strings.TrimSpace(req.Prompt) == "" {
		monitoring.GenerateRequestsTotal.WithLabelValues("invalid_request").Inc()
		return nil, apperrors.NewInvalidRequest("prompt must not be empty")
	}
	if req.UserTier != domain.UserTierFree && req.UserTier != domain.UserTierPremium {
		monitoring.GenerateRequestsTotal.WithLabelValues("invalid_request").Inc()
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unknown user tier %q", req.UserTier))
	}

	// 2. 配额：原子预占，失败路径统一退还
	allowed, err := o.quota.Allow(ctx, req.UserID, req.UserTier)
	if err != nil {
		monitoring.GenerateRequestsTotal.WithLabelValues("store_unavailable").Inc()
		return nil, apperrors.NewNoProviderAvailable("quota state unavailable")
	}
	if !allowed {
		monitoring.PolicyRejectionsTotal.WithLabelValues("quota").Inc()
		monitoring.GenerateRequestsTotal.WithLabelValues("quota_exceeded").Inc()
		return nil, apperrors.NewQuotaExceeded(
			fmt.Sprintf("daily generation limit reached for user %s", req.UserID))
	}

	// 3. 复杂度分析
	score, tier, err := o.analyzer.Analyze(req)
	if err != nil {
		o.refundQuota(ctx, req.UserID)
		monitoring.GenerateRequestsTotal.WithLabelValues("invalid_request").Inc()
		return nil, apperrors.NewInvalidRequest(err.Error())
	}

	// 4. 路由
	decision := o.router.Route(ctx, req, tier)
	if len(decision.Candidates) == 0 {
		o.refundQuota(ctx, req.UserID)
		// 候选被清空且全部因限流剔除时如实返回限流，调用方可短暂退避重试
		if decision.ExcludedByRateLimit > 0 && decision.ExcludedByBreaker == 0 {
			monitoring.PolicyRejectionsTotal.WithLabelValues("rate_limit").Inc()
			monitoring.GenerateRequestsTotal.WithLabelValues("rate_limited").Inc()
			return nil, apperrors.NewRateLimited(
				fmt.Sprintf("all candidate providers for tier %s are rate limited", tier))
		}
		monitoring.GenerateRequestsTotal.WithLabelValues("no_provider").Inc()
		return nil, apperrors.NewNoProviderAvailable(
			fmt.Sprintf("no candidate provider for tier %s", tier))
	}

	o.log.WithContext(ctx).Infof(
		"request %s: complexity %.3f tier %s, %d candidates, variant %s",
		req.ID, score, tier, len(decision.Candidates), decision.Variant,
	)

	// 5. 按序尝试候选
	diagnostics := make(map[string]string)
	attemptOrder := make([]string, 0, len(decision.Candidates))
	attemptsMade := 0

	for _, p := range decision.Candidates {
		// 取消传播：调用方已放弃时立即停止
		if ctxErr := ctx.Err(); ctxErr != nil {
			o.refundQuota(ctx, req.UserID)
			monitoring.GenerateRequestsTotal.WithLabelValues("canceled").Inc()
			return nil, ctxErr
		}

		// 权威准入：路由过滤后熔断/限流状态可能已变化，
		// 此处被拒按失败处理，继续下一个候选
		if cb := o.breakers.Get(p.ID); cb != nil && !cb.Allow() {
			o.recordAttempt(ctx, req, p, domain.OutcomeRejected, 0, 0, "circuit_open", decision.Variant)
			diagnostics[p.ID] = "circuit_open"
			attemptOrder = append(attemptOrder, p.ID)
			continue
		}
		if allowed, allowErr := o.rateLimits.Allow(ctx, p.ID); allowErr == nil && !allowed {
			monitoring.PolicyRejectionsTotal.WithLabelValues("rate_limit").Inc()
			o.recordAttempt(ctx, req, p, domain.OutcomeRejected, 0, 0, "rate_limited", decision.Variant)
			diagnostics[p.ID] = "rate_limited"
			attemptOrder = append(attemptOrder, p.ID)
			continue
		}

		client, ok := o.registry.Client(p.ID)
		if !ok {
			diagnostics[p.ID] = "no client registered"
			attemptOrder = append(attemptOrder, p.ID)
			continue
		}

		attemptsMade++
		attemptOrder = append(attemptOrder, p.ID)

		completion, latency, attemptErr := o.invoke(ctx, p, client, req.Prompt)

		cb := o.breakers.Get(p.ID)

		if attemptErr == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			cost := p.CostPer1KTokens * float64(completion.TotalTokens()) / 1000.0
			o.recordAttemptTokens(ctx, req, p, domain.OutcomeSuccess, latency,
				completion.TotalTokens(), cost, "", decision.Variant)
			monitoring.GenerateRequestsTotal.WithLabelValues("success").Inc()

			return &domain.QuoteResult{
				RequestID:    req.ID,
				Text:         completion.Text,
				ProviderUsed: p.ID,
				LatencyMs:    latency.Milliseconds(),
				TotalTokens:  completion.TotalTokens(),
				CostUSD:      cost,
				ABVariant:    decision.Variant,
				Attempts:     attemptsMade,
			}, nil
		}

		// 失败：上报熔断器，记录诊断，落入下一个候选
		if cb != nil {
			cb.RecordFailure()
		}

		outcome, kind := classifyError(attemptErr)
		o.recordAttempt(ctx, req, p, outcome, latency, 0, kind, decision.Variant)
		diagnostics[p.ID] = fmt.Sprintf("%s: %v", kind, attemptErr)

		o.log.WithContext(ctx).Warnf(
			"request %s: provider %s attempt failed (%s), falling back", req.ID, p.ID, kind)

		// 调用方取消导致的中止：记录之后立即向上传播
		if ctx.Err() != nil {
			o.refundQuota(ctx, req.UserID)
			monitoring.GenerateRequestsTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		}
	}

	// 6. 候选耗尽
	o.refundQuota(ctx, req.UserID)
	monitoring.GenerateRequestsTotal.WithLabelValues("all_failed").Inc()

	diagnostics["order"] = strings.Join(attemptOrder, ",")
	return nil, apperrors.NewAllProvidersFailed(
		fmt.Sprintf("all %d candidate providers failed", len(decision.Candidates)),
		diagnostics,
	)
}

// invoke 带超时地调用提供商，返回结果、耗时和错误
func (o *Orchestrator) invoke(
	ctx context.Context,
	p *domain.Provider,
	client domain.ProviderClient,
	prompt string,
) (*domain.Completion, time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attemptCtx, span := observability.StartSpan(attemptCtx, "provider.Generate",
		attribute.String("provider.id", p.ID),
	)

	start := time.Now()
	completion, err := client.Generate(attemptCtx, prompt)
	latency := time.Since(start)

	observability.EndSpan(span, err)
	return completion, latency, err
}

// classifyError 将提供商错误归类为尝试结果
func classifyError(err error) (domain.AttemptOutcome, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.OutcomeTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return domain.OutcomeTimeout, "canceled"
	case errors.Is(err, domain.ErrProviderTimeout):
		return domain.OutcomeTimeout, "timeout"
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return domain.OutcomeRejected, "rate_limited"
	default:
		return domain.OutcomeFailure, "provider_error"
	}
}

func (o *Orchestrator) recordAttempt(
	ctx context.Context,
	req *domain.QuoteRequest,
	p *domain.Provider,
	outcome domain.AttemptOutcome,
	latency time.Duration,
	cost float64,
	errorKind string,
	variant string,
) {
	o.recordAttemptTokens(ctx, req, p, outcome, latency, 0, cost, errorKind, variant)
}

func (o *Orchestrator) recordAttemptTokens(
	ctx context.Context,
	req *domain.QuoteRequest,
	p *domain.Provider,
	outcome domain.AttemptOutcome,
	latency time.Duration,
	tokens int,
	cost float64,
	errorKind string,
	variant string,
) {
	o.attempts.Record(ctx, &domain.AttemptRecord{
		RequestID:  req.ID,
		UserID:     req.UserID,
		ProviderID: p.ID,
		Timestamp:  time.Now(),
		Outcome:    outcome,
		Latency:    latency,
		ErrorKind:  errorKind,
		TokensUsed: tokens,
		CostUSD:    cost,
		ABVariant:  variant,
	})
}

// refundQuota 退还本次调用的配额预占，让日计数只反映成功的生成
func (o *Orchestrator) refundQuota(ctx context.Context, userID string) {
	if err := o.quota.Release(ctx, userID); err != nil {
		o.log.WithContext(ctx).Warnf("quota refund failed for user %s: %v", userID, err)
	}
}
