package biz

import (
	"sync"

	"quotegen/pkg/monitoring"
	"quotegen/pkg/resilience"

	"github.com/go-kratos/kratos/v2/log"
)

// BreakerSet 按提供商ID持有熔断器。
// 只有熔断器自身的迁移逻辑改状态；这里仅提供按键访问和快照。
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*resilience.CircuitBreaker
	config   resilience.Config
	log      *log.Helper
}

// NewBreakerSet 创建熔断器集合，providerIDs 为目录中的全部提供商。
func NewBreakerSet(providerIDs []string, config resilience.Config, logger log.Logger) *BreakerSet {
	helper := log.NewHelper(log.With(logger, "module", "breaker"))

	base := config.OnStateChange
	config.OnStateChange = func(name string, from, to resilience.State) {
		helper.Warnf("provider %s circuit %s -> %s", name, from, to)
		monitoring.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		if base != nil {
			base(name, from, to)
		}
	}

	set := &BreakerSet{
		breakers: make(map[string]*resilience.CircuitBreaker, len(providerIDs)),
		config:   config,
		log:      helper,
	}
	for _, id := range providerIDs {
		set.breakers[id] = resilience.NewCircuitBreaker(id, config)
		monitoring.CircuitBreakerState.WithLabelValues(id).Set(float64(resilience.StateClosed))
	}
	return set
}

// Get 获取提供商的熔断器，未知ID返回 nil。
func (s *BreakerSet) Get(providerID string) *resilience.CircuitBreaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers[providerID]
}

// Snapshots 全部熔断器快照，键为提供商ID。
func (s *BreakerSet) Snapshots() map[string]resilience.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]resilience.Snapshot, len(s.breakers))
	for id, cb := range s.breakers {
		out[id] = cb.Snapshot()
	}
	return out
}
