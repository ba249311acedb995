package biz

import (
	"context"
	"sync"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/domain"
	"quotegen/pkg/monitoring"

	"github.com/go-kratos/kratos/v2/log"
)

// ProviderStats 某提供商滚动窗口内的表现
type ProviderStats struct {
	Attempts     int     `json:"attempts"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
}

// AttemptLog 进程级追加式尝试记录。
// 每个提供商保留一个有界滚动窗口供路由评分使用；
// 同时上报Prometheus，并在配置了外部落地时转发（尽力而为）。
type AttemptLog struct {
	mu         sync.RWMutex
	windowSize int
	byProvider map[string][]*domain.AttemptRecord

	sink domain.AttemptSink // 可为 nil
	log  *log.Helper
}

// NewAttemptLog 创建尝试记录。sink 可为 nil。
func NewAttemptLog(windowSize int, sink domain.AttemptSink, logger log.Logger) *AttemptLog {
	if windowSize <= 0 {
		windowSize = 50
	}
	return &AttemptLog{
		windowSize: windowSize,
		byProvider: make(map[string][]*domain.AttemptRecord),
		sink:       sink,
		log:        log.NewHelper(log.With(logger, "module", "attempt_log")),
	}
}

// Record 追加一条尝试记录。记录一经追加不再修改。
func (al *AttemptLog) Record(ctx context.Context, rec *domain.AttemptRecord) {
	al.mu.Lock()
	window := al.byProvider[rec.ProviderID]
	window = append(window, rec)
	if len(window) > al.windowSize {
		window = window[len(window)-al.windowSize:]
	}
	al.byProvider[rec.ProviderID] = window
	al.mu.Unlock()

	monitoring.ProviderAttemptsTotal.WithLabelValues(rec.ProviderID, string(rec.Outcome)).Inc()
	monitoring.ProviderAttemptDuration.WithLabelValues(rec.ProviderID).Observe(rec.Latency.Seconds())
	if rec.CostUSD > 0 {
		monitoring.ProviderCostTotal.WithLabelValues(rec.ProviderID).Add(rec.CostUSD)
	}

	if al.sink != nil {
		// 外部落地失败只记日志，不影响主流程
		if err := al.sink.SaveAttempt(ctx, rec); err != nil {
			al.log.Warnf("attempt sink write failed: %v", err)
		}
	}
}

// Stats 提供商滚动窗口统计。窗口为空时 ok 为 false，
// 调用方应回退到目录中的标称值。
func (al *AttemptLog) Stats(providerID string) (ProviderStats, bool) {
	al.mu.RLock()
	defer al.mu.RUnlock()

	window := al.byProvider[providerID]
	if len(window) == 0 {
		return ProviderStats{}, false
	}

	var stats ProviderStats
	var totalLatency time.Duration
	var totalCost float64
	measured := 0
	costed := 0
	for _, rec := range window {
		stats.Attempts++
		if rec.Outcome == domain.OutcomeSuccess {
			stats.Successes++
		} else {
			stats.Failures++
		}
		// 被拒的尝试没有发生真实调用，不参与延迟/成本均值，
		// 否则重度限流的提供商会因零延迟记录反而得分更高
		if rec.Outcome == domain.OutcomeRejected {
			continue
		}
		totalLatency += rec.Latency
		measured++
		if rec.CostUSD > 0 {
			totalCost += rec.CostUSD
			costed++
		}
	}
	if measured > 0 {
		stats.AvgLatencyMs = float64(totalLatency.Milliseconds()) / float64(measured)
	}
	if costed > 0 {
		stats.AvgCostUSD = totalCost / float64(costed)
	}

	return stats, true
}

// Snapshot 全部提供商的窗口统计（健康面板用）
func (al *AttemptLog) Snapshot() map[string]ProviderStats {
	al.mu.RLock()
	ids := make([]string, 0, len(al.byProvider))
	for id := range al.byProvider {
		ids = append(ids, id)
	}
	al.mu.RUnlock()

	out := make(map[string]ProviderStats, len(ids))
	for _, id := range ids {
		if stats, ok := al.Stats(id); ok {
			out[id] = stats
		}
	}
	return out
}
