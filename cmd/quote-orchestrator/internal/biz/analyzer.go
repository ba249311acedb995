package biz

import (
	"strings"

	"quotegen/cmd/quote-orchestrator/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// reasoningTaskWeights 任务类型对复杂度的加成。
// 未列出的任务类型不加成。
var reasoningTaskWeights = map[string]float64{
	"reasoning":   0.4,
	"multi_step":  0.4,
	"analysis":    0.3,
	"comparison":  0.25,
	"negotiation": 0.2,
}

// ComplexityAnalyzer 复杂度分析器。
// 输入请求上下文，输出复杂度得分和期望的能力等级，无副作用。
type ComplexityAnalyzer struct {
	// threshold 得分超过该值要求 advanced 等级
	threshold float64
	log       *log.Helper
}

// NewComplexityAnalyzer 创建复杂度分析器
func NewComplexityAnalyzer(threshold float64, logger log.Logger) *ComplexityAnalyzer {
	if threshold <= 0 {
		threshold = 0.6
	}
	return &ComplexityAnalyzer{
		threshold: threshold,
		log:       log.NewHelper(log.With(logger, "module", "analyzer")),
	}
}

// Analyze 计算复杂度得分并映射到能力等级。
// 空提示词返回 ErrEmptyPrompt。
func (a *ComplexityAnalyzer) Analyze(req *domain.QuoteRequest) (float64, domain.Tier, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return 0, "", domain.ErrEmptyPrompt
	}

	// 长度项：以约500 token封顶线性归一
	lengthScore := float64(req.EstTokens) / 500.0
	if lengthScore > 1 {
		lengthScore = 1
	}

	// 任务类型项
	taskScore := reasoningTaskWeights[strings.ToLower(req.TaskType)]

	score := 0.6*lengthScore + taskScore
	if score > 1 {
		score = 1
	}

	tier := domain.TierBasic
	if score > a.threshold {
		tier = domain.TierAdvanced
	}

	a.log.Debugf("request %s complexity %.3f -> tier %s", req.ID, score, tier)

	return score, tier, nil
}
