package data

import (
	"context"
	"sync"
	"time"

	"quotegen/pkg/resilience"
)

// MemoryRateLimitStore 进程内提供商限流存储。
// 每个提供商一个固定窗口限流器，锁粒度为单个提供商。
type MemoryRateLimitStore struct {
	mu       sync.RWMutex
	limiters map[string]*resilience.WindowLimiter
	limits   map[string]int64
	window   time.Duration
}

// NewMemoryRateLimitStore 创建内存限流存储。
// limits 为提供商ID到窗口上限的映射。
func NewMemoryRateLimitStore(limits map[string]int64, window time.Duration) *MemoryRateLimitStore {
	if window <= 0 {
		window = time.Minute
	}
	store := &MemoryRateLimitStore{
		limiters: make(map[string]*resilience.WindowLimiter, len(limits)),
		limits:   limits,
		window:   window,
	}
	for id, limit := range limits {
		store.limiters[id] = resilience.NewWindowLimiter(limit, window)
	}
	return store
}

// Allow 原子的 check-and-increment
func (s *MemoryRateLimitStore) Allow(_ context.Context, providerID string) (bool, error) {
	if l := s.limiter(providerID); l != nil {
		return l.Allow(), nil
	}
	// 目录之外的提供商不限流
	return true, nil
}

// Peek 非占用预测
func (s *MemoryRateLimitStore) Peek(_ context.Context, providerID string) (bool, error) {
	if l := s.limiter(providerID); l != nil {
		return l.Peek(), nil
	}
	return true, nil
}

func (s *MemoryRateLimitStore) limiter(providerID string) *resilience.WindowLimiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiters[providerID]
}
