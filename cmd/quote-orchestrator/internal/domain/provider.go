package domain

import (
	"sort"
	"sync"
	"time"
)

// Tier 提供商能力等级
type Tier string

const (
	// TierBasic 基础等级
	TierBasic Tier = "basic"
	// TierAdvanced 进阶等级（多步推理等复杂任务）
	TierAdvanced Tier = "advanced"
)

// Rank 等级排序值，数值越大能力越强
func (t Tier) Rank() int {
	switch t {
	case TierAdvanced:
		return 2
	case TierBasic:
		return 1
	default:
		return 0
	}
}

// Provider 提供商目录条目。
// 进程启动时从配置构建，生命周期内不变；
// 健康计数由熔断器和限流器单独持有。
type Provider struct {
	ID               string        `json:"id"`
	Family           string        `json:"family"` // openai / anthropic / zhipu ...
	Model            string        `json:"model"`
	Tier             Tier          `json:"tier"`
	Quality          float64       `json:"quality"`            // 静态质量权重 [0,1]
	CostPer1KTokens  float64       `json:"cost_per_1k_tokens"` // USD
	NominalLatency   time.Duration `json:"nominal_latency"`
	RatePerMinute    int64         `json:"rate_per_minute"`
	Timeout          time.Duration `json:"timeout"`
	Priority         int           `json:"priority"` // 评分并列时的固定优先级，越大越靠前
	Enabled          bool          `json:"enabled"`
}

// EstimateCost 按预估token数估算成本
func (p *Provider) EstimateCost(tokens int) float64 {
	return float64(tokens) / 1000.0 * p.CostPer1KTokens
}

// ProviderRegistry 提供商注册表。
// 持有目录条目和每个条目背后的具体客户端实现，
// 新增提供商只需注册新客户端，路由与编排无需改动。
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	clients   map[string]ProviderClient
	order     []string // 声明顺序，保证遍历确定性
}

// NewProviderRegistry 创建注册表
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]*Provider),
		clients:   make(map[string]ProviderClient),
	}
}

// Register 注册提供商及其客户端
func (r *ProviderRegistry) Register(p *Provider, client ProviderClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.providers[p.ID] = p
	r.clients[p.ID] = client
}

// Get 获取提供商条目
func (r *ProviderRegistry) Get(id string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	return p, ok
}

// Client 获取提供商客户端
func (r *ProviderRegistry) Client(id string) (ProviderClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	return c, ok
}

// List 按声明顺序返回全部条目
func (r *ProviderRegistry) List() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// CandidatesForTier 返回能力等级不低于 desired 且启用的提供商，
// 按声明优先级降序（优先级相同按ID升序）排列。
func (r *ProviderRegistry) CandidatesForTier(desired Tier) []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Provider, 0, len(r.order))
	for _, id := range r.order {
		p := r.providers[id]
		if p.Enabled && p.Tier.Rank() >= desired.Rank() {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})

	return out
}
