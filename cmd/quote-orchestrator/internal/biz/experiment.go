package biz

import (
	"crypto/sha256"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/posthog/posthog-go"
)

// 实验变体。control 走默认评分排序，cost_first 走成本优先排序。
const (
	VariantControl   = "control"
	VariantCostFirst = "cost_first"
)

// ExperimentAssigner 路由A/B实验的分配策略。
// 返回变体名和是否进入备选排序；分配只影响排序，
// 不改变过滤、配额与熔断语义。
type ExperimentAssigner interface {
	Assign(userID string) (variant string, alternate bool)
}

// NoopAssigner 实验关闭时的默认分配器，所有请求都走 control。
type NoopAssigner struct{}

// Assign 恒定返回 control
func (NoopAssigner) Assign(string) (string, bool) {
	return VariantControl, false
}

// HashAssigner 一致性哈希分配器。
// 同一实验名+用户ID永远落在同一桶，保证可复现。
type HashAssigner struct {
	name     string
	fraction float64
}

// NewHashAssigner 创建一致性哈希分配器
func NewHashAssigner(name string, fraction float64) *HashAssigner {
	return &HashAssigner{name: name, fraction: fraction}
}

// Assign 哈希分桶
func (a *HashAssigner) Assign(userID string) (string, bool) {
	hash := sha256.Sum256([]byte(a.name + ":" + userID))
	bucket := float64(hash[0]) / 256.0
	if bucket < a.fraction {
		return VariantCostFirst, true
	}
	return VariantControl, false
}

// PostHogAssigner 基于PostHog特性标志的分配器。
// 标志开启的用户进入备选排序；查询失败回退到 control。
type PostHogAssigner struct {
	client  posthog.Client
	flagKey string
	log     *log.Helper
}

// NewPostHogAssigner 创建PostHog分配器
func NewPostHogAssigner(client posthog.Client, flagKey string, logger log.Logger) *PostHogAssigner {
	return &PostHogAssigner{
		client:  client,
		flagKey: flagKey,
		log:     log.NewHelper(log.With(logger, "module", "experiment")),
	}
}

// Assign 查询特性标志
func (a *PostHogAssigner) Assign(userID string) (string, bool) {
	enabled, err := a.client.IsFeatureEnabled(posthog.FeatureFlagPayload{
		Key:        a.flagKey,
		DistinctId: userID,
	})
	if err != nil {
		a.log.Warnf("feature flag %s lookup failed for %s: %v", a.flagKey, userID, err)
		return VariantControl, false
	}
	if on, ok := enabled.(bool); ok && on {
		return VariantCostFirst, true
	}
	return VariantControl, false
}
