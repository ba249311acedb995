package service

import (
	"context"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/biz"
	"quotegen/cmd/quote-orchestrator/internal/domain"
	apperrors "quotegen/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

const providerProbeTimeout = 10 * time.Second

// HealthChecker 依赖探活接口。
// 落地存储和提供商客户端实现它以接入就绪检查与实时体检。
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsSource 提供商日统计来源（落地存储实现，可选）
type StatsSource interface {
	DailyStats(ctx context.Context, providerID string, days int) ([]*domain.ProviderDailyStats, error)
}

// OrchestratorService 对外服务层。
// 负责请求/响应DTO与领域对象的转换，业务全部在biz层。
type OrchestratorService struct {
	orchestrator *biz.Orchestrator
	registry     *domain.ProviderRegistry
	breakers     *biz.BreakerSet
	attempts     *biz.AttemptLog
	quota        domain.QuotaStore
	stats        StatsSource
	probes       map[string]HealthChecker
	log          *log.Helper
}

// NewOrchestratorService 创建服务层
func NewOrchestratorService(
	orchestrator *biz.Orchestrator,
	registry *domain.ProviderRegistry,
	breakers *biz.BreakerSet,
	attempts *biz.AttemptLog,
	quota domain.QuotaStore,
	logger log.Logger,
) *OrchestratorService {
	return &OrchestratorService{
		orchestrator: orchestrator,
		registry:     registry,
		breakers:     breakers,
		attempts:     attempts,
		quota:        quota,
		probes:       make(map[string]HealthChecker),
		log:          log.NewHelper(log.With(logger, "module", "service")),
	}
}

// SetStatsSource 配置日统计查询来源
func (s *OrchestratorService) SetStatsSource(src StatsSource) {
	s.stats = src
}

// RegisterProbe 注册一个命名的就绪探针
func (s *OrchestratorService) RegisterProbe(name string, hc HealthChecker) {
	s.probes[name] = hc
}

// Readiness 逐一执行就绪探针，返回失败的探针及原因。
// 返回空map表示全部就绪。
func (s *OrchestratorService) Readiness(ctx context.Context) map[string]string {
	failures := make(map[string]string)
	for name, probe := range s.probes {
		if err := probe.HealthCheck(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

// GenerateQuoteRequest 生成请求DTO
type GenerateQuoteRequest struct {
	Prompt   string `json:"prompt" binding:"required"`
	TaskType string `json:"task_type"`
	UserID   string `json:"user_id" binding:"required"`
	UserTier string `json:"user_tier"`
}

// GenerateQuote 执行一次生成
func (s *OrchestratorService) GenerateQuote(ctx context.Context, req *GenerateQuoteRequest) (*domain.QuoteResult, error) {
	tierStr := req.UserTier
	if tierStr == "" {
		tierStr = string(domain.UserTierFree)
	}
	tier, err := domain.ParseUserTier(tierStr)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("user_tier must be free or premium")
	}

	quoteReq := domain.NewQuoteRequest(req.Prompt, req.TaskType, req.UserID, tier)
	return s.orchestrator.GenerateQuote(ctx, quoteReq)
}

// ProviderHealth 单个提供商的健康视图
type ProviderHealth struct {
	ID           string             `json:"id"`
	Model        string             `json:"model"`
	Tier         string             `json:"tier"`
	Enabled      bool               `json:"enabled"`
	CircuitState string             `json:"circuit_state"`
	FailureCount int64              `json:"failure_count"`
	Probe        string             `json:"probe,omitempty"`
	Stats        *biz.ProviderStats `json:"stats,omitempty"`
}

// ProvidersHealth 全部提供商的健康视图（运维面板用）。
// live为真时逐个向提供商发送探活请求，结果写入Probe字段。
func (s *OrchestratorService) ProvidersHealth(ctx context.Context, live bool) []*ProviderHealth {
	snapshots := s.breakers.Snapshots()
	windows := s.attempts.Snapshot()

	providers := s.registry.List()
	out := make([]*ProviderHealth, 0, len(providers))
	for _, p := range providers {
		health := &ProviderHealth{
			ID:      p.ID,
			Model:   p.Model,
			Tier:    string(p.Tier),
			Enabled: p.Enabled,
		}
		if snap, ok := snapshots[p.ID]; ok {
			health.CircuitState = snap.State
			health.FailureCount = snap.FailureCount
		}
		if stats, ok := windows[p.ID]; ok {
			statsCopy := stats
			health.Stats = &statsCopy
		}
		if live && p.Enabled {
			health.Probe = s.probeProvider(ctx, p.ID)
		}
		out = append(out, health)
	}
	return out
}

// probeProvider 对单个提供商实时探活
func (s *OrchestratorService) probeProvider(ctx context.Context, providerID string) string {
	client, ok := s.registry.Client(providerID)
	if !ok {
		return "no client registered"
	}
	hc, ok := client.(HealthChecker)
	if !ok {
		return ""
	}

	probeCtx, cancel := context.WithTimeout(ctx, providerProbeTimeout)
	defer cancel()

	if err := hc.HealthCheck(probeCtx); err != nil {
		return "failed: " + err.Error()
	}
	return "ok"
}

// ProviderStats 查询落地存储中最近days天的提供商日统计
func (s *OrchestratorService) ProviderStats(ctx context.Context, providerID string, days int) ([]*domain.ProviderDailyStats, error) {
	if s.stats == nil {
		return nil, apperrors.NewStatsUnavailable("attempt log storage is not configured")
	}
	if days <= 0 || days > 90 {
		days = 7
	}
	return s.stats.DailyStats(ctx, providerID, days)
}

// UserQuota 用户当日配额视图
type UserQuota struct {
	UserID string `json:"user_id"`
	Used   int64  `json:"used"`
}

// QuotaUsage 查询用户当日已用次数
func (s *OrchestratorService) QuotaUsage(ctx context.Context, userID string) (*UserQuota, error) {
	used, err := s.quota.Count(ctx, userID)
	if err != nil {
		return nil, apperrors.NewNoProviderAvailable("quota state unavailable")
	}
	return &UserQuota{UserID: userID, Used: used}, nil
}
