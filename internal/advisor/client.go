package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"tradeloop/internal/config"
)

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.AdvisorConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建顾问客户端。
func NewClient(cfg config.AdvisorConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("advisor api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// GenerateDecisions 根据行情与账户摘要获取模型决策列表。
func (c *Client) GenerateDecisions(ctx context.Context, summary Summary) ([]Decision, error) {
	if c.cfg.Model == "" {
		return nil, errors.New("advisor model 不能为空")
	}

	prompt, err := BuildPrompt(summary)
	if err != nil {
		return nil, err
	}

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.Error(err))
		return nil, fmt.Errorf("调用OpenAI失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return nil, errors.New("OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return nil, errors.New("OpenAI 返回内容为空")
	}

	decisions, err := ParseDecisions(rawContent)
	if err != nil {
		c.logger.Error("解析模型决策失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return nil, err
	}

	return decisions, nil
}

// ParseDecisions 从模型输出中提取并校验决策列表。
func ParseDecisions(content string) ([]Decision, error) {
	jsonPayload, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var envelope DecisionEnvelope
	if err = json.Unmarshal(jsonPayload, &envelope); err != nil {
		return nil, fmt.Errorf("解析决策JSON失败: %w", err)
	}

	for i, decision := range envelope.Decisions {
		if err := decision.Validate(); err != nil {
			return nil, fmt.Errorf("decisions[%d] 非法: %w", i, err)
		}
	}

	return envelope.Decisions, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
