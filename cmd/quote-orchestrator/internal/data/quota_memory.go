package data

import (
	"context"
	"sync"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/domain"
)

type quotaEntry struct {
	day   string
	count int64
}

// MemoryQuotaStore 进程内用户日配额存储。
// 单实例部署与测试用；多实例共享状态用 RedisQuotaStore。
// 日界线按配置时区计算，跨日后计数自动重新起算。
type MemoryQuotaStore struct {
	mu      sync.Mutex
	entries map[string]*quotaEntry
	limits  map[domain.UserTier]int64 // 0 表示不限
	loc     *time.Location

	now func() time.Time
}

// NewMemoryQuotaStore 创建内存配额存储
func NewMemoryQuotaStore(limits map[domain.UserTier]int64, loc *time.Location) *MemoryQuotaStore {
	if loc == nil {
		loc = time.UTC
	}
	return &MemoryQuotaStore{
		entries: make(map[string]*quotaEntry),
		limits:  limits,
		loc:     loc,
		now:     time.Now,
	}
}

// Allow 原子的 check-and-increment
func (s *MemoryQuotaStore) Allow(_ context.Context, userID string, tier domain.UserTier) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.current(userID)

	limit := s.limits[tier]
	if limit > 0 && entry.count >= limit {
		return false, nil
	}
	entry.count++
	return true, nil
}

// Release 退还一次预占（跨日后不退还，避免污染新一天的计数）
func (s *MemoryQuotaStore) Release(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[userID]
	if !ok || entry.day != s.today() {
		return nil
	}
	if entry.count > 0 {
		entry.count--
	}
	return nil
}

// Count 当日已用次数
func (s *MemoryQuotaStore) Count(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[userID]
	if !ok || entry.day != s.today() {
		return 0, nil
	}
	return entry.count, nil
}

// current 取当日条目，跨日自动重置。调用方必须持有锁。
func (s *MemoryQuotaStore) current(userID string) *quotaEntry {
	today := s.today()
	entry, ok := s.entries[userID]
	if !ok || entry.day != today {
		entry = &quotaEntry{day: today}
		s.entries[userID] = entry
	}
	return entry
}

func (s *MemoryQuotaStore) today() string {
	return s.now().In(s.loc).Format("20060102")
}
