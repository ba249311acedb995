package data

import (
	"context"
	"sync"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/domain"
	"quotegen/cmd/quote-orchestrator/internal/infrastructure"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	attemptBatchSize     = 64
	attemptFlushInterval = 5 * time.Second
	attemptFlushTimeout  = 10 * time.Second
)

// AttemptLogBackend 尝试日志的落地后端（ClickHouse实现）
type AttemptLogBackend interface {
	BatchInsertAttemptLogs(ctx context.Context, rows []*infrastructure.AttemptLogRow) error
	GetProviderDailyStats(ctx context.Context, providerID string, startDate, endDate time.Time) ([]*infrastructure.ProviderDailyStats, error)
	HealthCheck(ctx context.Context) error
}

// ClickHouseAttemptRepo 尝试记录的ClickHouse落地。
// 记录先入内存缓冲，攒满一批或到达刷新间隔时批量写入；
// 写入失败只记日志，绝不影响请求主流程。
type ClickHouseAttemptRepo struct {
	backend AttemptLogBackend
	log     *log.Helper

	mu     sync.Mutex
	buffer []*infrastructure.AttemptLogRow

	kick      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewClickHouseAttemptRepo 创建ClickHouse尝试仓储并启动后台刷新
func NewClickHouseAttemptRepo(backend AttemptLogBackend, logger log.Logger) *ClickHouseAttemptRepo {
	r := &ClickHouseAttemptRepo{
		backend: backend,
		log:     log.NewHelper(logger),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// SaveAttempt 缓冲一条尝试记录，攒满一批时触发异步刷新
func (r *ClickHouseAttemptRepo) SaveAttempt(_ context.Context, rec *domain.AttemptRecord) error {
	row := &infrastructure.AttemptLogRow{
		RequestID:   rec.RequestID,
		UserID:      rec.UserID,
		ProviderID:  rec.ProviderID,
		AttemptTime: rec.Timestamp,
		LatencyMs:   uint32(rec.Latency.Milliseconds()),
		Outcome:     string(rec.Outcome),
		ErrorKind:   rec.ErrorKind,
		TokensUsed:  uint32(rec.TokensUsed),
		CostUSD:     rec.CostUSD,
		ABVariant:   rec.ABVariant,
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, row)
	full := len(r.buffer) >= attemptBatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *ClickHouseAttemptRepo) flushLoop() {
	defer close(r.stopped)

	ticker := time.NewTicker(attemptFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush()
		case <-r.kick:
			r.Flush()
		case <-r.done:
			r.Flush()
			return
		}
	}
}

// Flush 立即批量落地缓冲中的全部记录
func (r *ClickHouseAttemptRepo) Flush() {
	r.mu.Lock()
	rows := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), attemptFlushTimeout)
	defer cancel()

	if err := r.backend.BatchInsertAttemptLogs(ctx, rows); err != nil {
		r.log.Errorf("failed to flush %d attempt logs to clickhouse: %v", len(rows), err)
	}
}

// Close 停止后台刷新并排空缓冲
func (r *ClickHouseAttemptRepo) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		<-r.stopped
	})
}

// DailyStats 最近days天的提供商日统计。providerID为空时返回全部提供商。
func (r *ClickHouseAttemptRepo) DailyStats(ctx context.Context, providerID string, days int) ([]*domain.ProviderDailyStats, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -days)

	rows, err := r.backend.GetProviderDailyStats(ctx, providerID, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.ProviderDailyStats, 0, len(rows))
	for _, row := range rows {
		out = append(out, &domain.ProviderDailyStats{
			StatDate:     row.StatDate,
			ProviderID:   row.ProviderID,
			AttemptCount: row.AttemptCount,
			SuccessCount: row.SuccessCount,
			FailureCount: row.FailureCount,
			AvgLatencyMs: row.AvgLatencyMs,
			P95LatencyMs: row.P95LatencyMs,
			TotalTokens:  row.TotalTokens,
			TotalCostUSD: row.TotalCostUSD,
		})
	}
	return out, nil
}

// HealthCheck 就绪探针：检查落地后端可达
func (r *ClickHouseAttemptRepo) HealthCheck(ctx context.Context) error {
	return r.backend.HealthCheck(ctx)
}
