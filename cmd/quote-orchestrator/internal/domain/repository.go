package domain

import (
	"context"
	"time"
)

// ProviderClient 提供商客户端接口。
// 注册表持有具体实现，路由器和编排器只依赖本接口。
type ProviderClient interface {
	// Generate 发送提示词并返回生成结果。
	// 阻塞调用，超时与取消通过 ctx 传入。
	Generate(ctx context.Context, prompt string) (*Completion, error)
}

// QuotaStore 用户日配额存储。
// Allow 必须是原子的 check-and-increment；Release 在调用
// 最终失败时退还本次预占，使计数反映成功的生成次数。
type QuotaStore interface {
	Allow(ctx context.Context, userID string, tier UserTier) (bool, error)
	Release(ctx context.Context, userID string) error
	// Count 当日已用次数（观测用）
	Count(ctx context.Context, userID string) (int64, error)
}

// RateLimitStore 提供商级固定窗口限流存储。
// Allow 是原子的 check-and-increment；Peek 只预测不占额度，
// 路由过滤用，允许与随后的 Allow 出现竞态。
type RateLimitStore interface {
	Allow(ctx context.Context, providerID string) (bool, error)
	Peek(ctx context.Context, providerID string) (bool, error)
}

// AttemptSink 尝试记录的外部落地（ClickHouse等，可选）。
// 写入失败绝不影响请求主流程。
type AttemptSink interface {
	SaveAttempt(ctx context.Context, rec *AttemptRecord) error
}

// ProviderDailyStats 落地存储物化的提供商日聚合统计
type ProviderDailyStats struct {
	StatDate     time.Time `json:"stat_date"`
	ProviderID   string    `json:"provider_id"`
	AttemptCount uint64    `json:"attempt_count"`
	SuccessCount uint64    `json:"success_count"`
	FailureCount uint64    `json:"failure_count"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	TotalTokens  uint64    `json:"total_tokens"`
	TotalCostUSD float64   `json:"total_cost_usd"`
}
