package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-kratos/kratos/v2/log"
)

// ClickHouseClient ClickHouse客户端
type ClickHouseClient struct {
	conn   driver.Conn
	log    *log.Helper
	config *ClickHouseConfig
}

// ClickHouseConfig ClickHouse配置
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// NewClickHouseClient 创建ClickHouse客户端
func NewClickHouseClient(config *ClickHouseConfig, logger log.Logger) (*ClickHouseClient, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Debug: config.Debug,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		DialTimeout:  5 * time.Second,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	// 验证连接
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	client := &ClickHouseClient{
		conn:   conn,
		log:    log.NewHelper(logger),
		config: config,
	}

	// 初始化表结构
	if err := client.initTables(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}

	client.log.Info("ClickHouse client initialized successfully")

	return client, nil
}

// initTables 初始化表结构
func (c *ClickHouseClient) initTables(ctx context.Context) error {
	// 创建尝试日志表
	createAttemptLogTable := `
	CREATE TABLE IF NOT EXISTS quote_orchestrator.attempt_logs (
		request_id String,
		user_id String,
		provider_id String,

		attempt_time DateTime64(3),
		latency_ms UInt32,

		outcome String, -- success, failure, timeout, rejected
		error_kind String,

		tokens_used UInt32,
		cost_usd Float64,

		ab_variant String,

		created_at DateTime64(3) DEFAULT now64()
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(attempt_time)
	ORDER BY (provider_id, attempt_time)
	TTL attempt_time + INTERVAL 90 DAY
	SETTINGS index_granularity = 8192
	`

	if err := c.conn.Exec(ctx, createAttemptLogTable); err != nil {
		return fmt.Errorf("failed to create attempt_logs table: %w", err)
	}

	// 创建日聚合视图
	createDailyStatsView := `
	CREATE MATERIALIZED VIEW IF NOT EXISTS quote_orchestrator.provider_daily_stats
	ENGINE = SummingMergeTree()
	PARTITION BY toYYYYMM(stat_date)
	ORDER BY (stat_date, provider_id)
	AS SELECT
		toDate(attempt_time) as stat_date,
		provider_id,
		count() as attempt_count,
		countIf(outcome = 'success') as success_count,
		countIf(outcome != 'success') as failure_count,
		avg(latency_ms) as avg_latency_ms,
		quantile(0.95)(latency_ms) as p95_latency_ms,
		sum(tokens_used) as total_tokens,
		sum(cost_usd) as total_cost_usd
	FROM quote_orchestrator.attempt_logs
	GROUP BY stat_date, provider_id
	`

	if err := c.conn.Exec(ctx, createDailyStatsView); err != nil {
		// 忽略已存在的错误
		c.log.Warnf("failed to create provider_daily_stats view (may already exist): %v", err)
	}

	c.log.Info("ClickHouse tables initialized")
	return nil
}

// AttemptLogRow 尝试日志行
type AttemptLogRow struct {
	RequestID   string
	UserID      string
	ProviderID  string
	AttemptTime time.Time
	LatencyMs   uint32
	Outcome     string
	ErrorKind   string
	TokensUsed  uint32
	CostUSD     float64
	ABVariant   string
}

// BatchInsertAttemptLogs 批量插入尝试日志
func (c *ClickHouseClient) BatchInsertAttemptLogs(ctx context.Context, rows []*AttemptLogRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO quote_orchestrator.attempt_logs (
			request_id, user_id, provider_id,
			attempt_time, latency_ms,
			outcome, error_kind,
			tokens_used, cost_usd,
			ab_variant
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range rows {
		err := batch.Append(
			row.RequestID, row.UserID, row.ProviderID,
			row.AttemptTime, row.LatencyMs,
			row.Outcome, row.ErrorKind,
			row.TokensUsed, row.CostUSD,
			row.ABVariant,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		c.log.Errorf("failed to send batch: %v", err)
		return err
	}

	c.log.Infof("batch inserted %d attempt logs", len(rows))
	return nil
}

// ProviderDailyStats 提供商日统计
type ProviderDailyStats struct {
	StatDate     time.Time
	ProviderID   string
	AttemptCount uint64
	SuccessCount uint64
	FailureCount uint64
	AvgLatencyMs float64
	P95LatencyMs float64
	TotalTokens  uint64
	TotalCostUSD float64
}

// GetProviderDailyStats 获取提供商日统计
func (c *ClickHouseClient) GetProviderDailyStats(
	ctx context.Context,
	providerID string,
	startDate, endDate time.Time,
) ([]*ProviderDailyStats, error) {
	query := `
	SELECT
		stat_date,
		provider_id,
		sum(attempt_count) as attempt_count,
		sum(success_count) as success_count,
		sum(failure_count) as failure_count,
		avg(avg_latency_ms) as avg_latency_ms,
		quantile(0.95)(p95_latency_ms) as p95_latency_ms,
		sum(total_tokens) as total_tokens,
		sum(total_cost_usd) as total_cost_usd
	FROM quote_orchestrator.provider_daily_stats
	WHERE (? = '' OR provider_id = ?)
		AND stat_date >= ?
		AND stat_date <= ?
	GROUP BY stat_date, provider_id
	ORDER BY stat_date DESC, total_cost_usd DESC
	`

	rows, err := c.conn.Query(ctx, query, providerID, providerID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []*ProviderDailyStats
	for rows.Next() {
		var s ProviderDailyStats
		if err := rows.Scan(
			&s.StatDate, &s.ProviderID,
			&s.AttemptCount, &s.SuccessCount, &s.FailureCount,
			&s.AvgLatencyMs, &s.P95LatencyMs,
			&s.TotalTokens, &s.TotalCostUSD,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		stats = append(stats, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stats, nil
}

// Close 关闭连接
func (c *ClickHouseClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// HealthCheck 健康检查
func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}
