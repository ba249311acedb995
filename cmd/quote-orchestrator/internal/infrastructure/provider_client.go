package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/domain"
)

// HTTPProviderClient 提供商HTTP客户端。
// 所有接入的提供商都暴露OpenAI兼容的chat completions接口，
// 差异（endpoint、模型名、密钥）全部来自目录条目。
type HTTPProviderClient struct {
	providerID string
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProviderClient 创建提供商客户端。
// API密钥从 apiKeyEnv 命名的环境变量读取，缺失时请求阶段报错。
func NewHTTPProviderClient(providerID, endpoint, model, apiKeyEnv string) *HTTPProviderClient {
	apiKey := ""
	if apiKeyEnv != "" {
		apiKey = os.Getenv(apiKeyEnv)
	}
	return &HTTPProviderClient{
		providerID: providerID,
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{
			// 单次尝试的超时由调用方通过ctx控制
			Timeout: 0,
		},
	}
}

// chatRequest 聊天请求
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse 聊天响应
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate 发送提示词并返回生成结果
func (c *HTTPProviderClient) Generate(ctx context.Context, prompt string) (*domain.Completion, error) {
	body, err := json.Marshal(&chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// 超时/取消向上以ctx错误形态传播
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderError, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: provider %s", domain.ErrRateLimitExceeded, c.providerID)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: provider %s", domain.ErrProviderTimeout, c.providerID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status=%d, body=%s",
			domain.ErrProviderError, resp.StatusCode, truncate(respBody, 256))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", domain.ErrProviderError)
	}

	return &domain.Completion{
		Text:             chatResp.Choices[0].Message.Content,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
	}, nil
}

// HealthCheck 用极短的测试提示词探活
func (c *HTTPProviderClient) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.Generate(checkCtx, "Hello")
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
