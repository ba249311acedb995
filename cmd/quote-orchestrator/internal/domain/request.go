package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// UserTier 用户等级
type UserTier string

const (
	// UserTierFree 免费用户
	UserTierFree UserTier = "free"
	// UserTierPremium 付费用户
	UserTierPremium UserTier = "premium"
)

// ParseUserTier 解析用户等级
func ParseUserTier(s string) (UserTier, error) {
	switch UserTier(strings.ToLower(s)) {
	case UserTierFree:
		return UserTierFree, nil
	case UserTierPremium:
		return UserTierPremium, nil
	default:
		return "", ErrInvalidUserTier
	}
}

// QuoteRequest 一次生成请求的上下文。
// 每次调用创建，调用期间不可变，调用结束即丢弃。
type QuoteRequest struct {
	ID        string
	Prompt    string
	TaskType  string
	UserID    string
	UserTier  UserTier
	EstTokens int
	CreatedAt time.Time
}

// NewQuoteRequest 创建请求上下文并预估token数
func NewQuoteRequest(prompt, taskType, userID string, tier UserTier) *QuoteRequest {
	return &QuoteRequest{
		ID:        "req_" + uuid.New().String(),
		Prompt:    prompt,
		TaskType:  taskType,
		UserID:    userID,
		UserTier:  tier,
		EstTokens: EstimateTokens(prompt),
		CreatedAt: time.Now(),
	}
}

// EstimateTokens 粗略token估算：约4个字符一个token，至少1。
func EstimateTokens(prompt string) int {
	n := utf8.RuneCountInString(prompt) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Completion 提供商返回的生成结果
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens 总token数
func (c *Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}

// QuoteResult 编排器对外返回的成功结果
type QuoteResult struct {
	RequestID    string  `json:"request_id"`
	Text         string  `json:"text"`
	ProviderUsed string  `json:"provider_used"`
	LatencyMs    int64   `json:"latency_ms"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	ABVariant    string  `json:"ab_variant,omitempty"`
	Attempts     int     `json:"attempts"`
}

// AttemptOutcome 单次尝试的结果分类
type AttemptOutcome string

const (
	// OutcomeSuccess 成功
	OutcomeSuccess AttemptOutcome = "success"
	// OutcomeFailure 提供商报错
	OutcomeFailure AttemptOutcome = "failure"
	// OutcomeTimeout 超时或取消
	OutcomeTimeout AttemptOutcome = "timeout"
	// OutcomeRejected 调用时被限流/熔断拒绝（与路由过滤的竞态）
	OutcomeRejected AttemptOutcome = "rejected"
)

// AttemptRecord 单次提供商调用的不可变记录。
// 追加进指标窗口后不再修改，供路由评分和诊断使用。
type AttemptRecord struct {
	RequestID  string         `json:"request_id"`
	UserID     string         `json:"user_id"`
	ProviderID string         `json:"provider_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Outcome    AttemptOutcome `json:"outcome"`
	Latency    time.Duration  `json:"latency"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	TokensUsed int            `json:"tokens_used"`
	CostUSD    float64        `json:"cost_usd"`
	ABVariant  string         `json:"ab_variant,omitempty"`
}
