package data

import (
	"context"
	"fmt"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

const quotaKeyTTL = 48 * time.Hour

// releaseScript 只在计数大于0时退还，避免把键减成负数
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and tonumber(v) > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// RedisQuotaStore Redis用户日配额存储。
// 多个编排器实例共享同一份计数；键带配置时区下的日期，
// 48小时后自动过期。
type RedisQuotaStore struct {
	client *redis.Client
	limits map[domain.UserTier]int64 // 0 表示不限
	loc    *time.Location
	log    *log.Helper

	now func() time.Time
}

// NewRedisQuotaStore 创建Redis配额存储
func NewRedisQuotaStore(
	client *redis.Client,
	limits map[domain.UserTier]int64,
	loc *time.Location,
	logger log.Logger,
) *RedisQuotaStore {
	if loc == nil {
		loc = time.UTC
	}
	return &RedisQuotaStore{
		client: client,
		limits: limits,
		loc:    loc,
		log:    log.NewHelper(log.With(logger, "module", "quota_store")),
		now:    time.Now,
	}
}

// Allow 原子的 check-and-increment：
// INCR 后超限则立即 DECR 回滚并拒绝，计数不会越过上限驻留。
func (s *RedisQuotaStore) Allow(ctx context.Context, userID string, tier domain.UserTier) (bool, error) {
	key := s.key(userID)

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("quota incr: %w", err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, quotaKeyTTL).Err(); err != nil {
			s.log.Warnf("quota key expire failed: %v", err)
		}
	}

	limit := s.limits[tier]
	if limit > 0 && n > limit {
		if err := s.client.Decr(ctx, key).Err(); err != nil {
			s.log.Warnf("quota rollback failed for %s: %v", userID, err)
		}
		return false, nil
	}
	return true, nil
}

// Release 退还一次预占
func (s *RedisQuotaStore) Release(ctx context.Context, userID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(userID)}).Err(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

// Count 当日已用次数
func (s *RedisQuotaStore) Count(ctx context.Context, userID string) (int64, error) {
	n, err := s.client.Get(ctx, s.key(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota count: %w", err)
	}
	return n, nil
}

func (s *RedisQuotaStore) key(userID string) string {
	day := s.now().In(s.loc).Format("20060102")
	return fmt.Sprintf("quota:%s:%s", userID, day)
}
