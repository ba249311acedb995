package data

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimitStore Redis固定窗口限流存储。
// 窗口起点对齐到窗口长度的整数倍，多个编排器实例共享计数。
type RedisRateLimitStore struct {
	client *redis.Client
	limits map[string]int64
	window time.Duration
	log    *log.Helper

	now func() time.Time
}

// NewRedisRateLimitStore 创建Redis限流存储
func NewRedisRateLimitStore(
	client *redis.Client,
	limits map[string]int64,
	window time.Duration,
	logger log.Logger,
) *RedisRateLimitStore {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimitStore{
		client: client,
		limits: limits,
		window: window,
		log:    log.NewHelper(log.With(logger, "module", "ratelimit_store")),
		now:    time.Now,
	}
}

// Allow 原子的 check-and-increment：
// INCR 后超限立即 DECR 回滚并拒绝，计数不会越过上限驻留。
func (s *RedisRateLimitStore) Allow(ctx context.Context, providerID string) (bool, error) {
	limit, ok := s.limits[providerID]
	if !ok {
		// 目录之外的提供商不限流
		return true, nil
	}

	key := s.key(providerID)
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit incr: %w", err)
	}
	if n == 1 {
		// 窗口结束后留一个窗口的余量再过期
		if err := s.client.Expire(ctx, key, 2*s.window).Err(); err != nil {
			s.log.Warnf("ratelimit key expire failed: %v", err)
		}
	}

	if n > limit {
		if err := s.client.Decr(ctx, key).Err(); err != nil {
			s.log.Warnf("ratelimit rollback failed for %s: %v", providerID, err)
		}
		return false, nil
	}
	return true, nil
}

// Peek 非占用预测，只读当前窗口计数
func (s *RedisRateLimitStore) Peek(ctx context.Context, providerID string) (bool, error) {
	limit, ok := s.limits[providerID]
	if !ok {
		return true, nil
	}

	n, err := s.client.Get(ctx, s.key(providerID)).Int64()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("ratelimit peek: %w", err)
	}
	return n < limit, nil
}

func (s *RedisRateLimitStore) key(providerID string) string {
	windowStart := s.now().Truncate(s.window).Unix()
	return fmt.Sprintf("ratelimit:%s:%d", providerID, windowStart)
}
