package ai

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

	"backtester/internal/backtest"
	"backtester/internal/config"
	"backtester/internal/feature"
)

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}
	config.HTTPClient = httpClient
	client := openai.NewClientWithConfig(config)

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    client,
	}, nil
}

// Model 返回使用的模型名称。
func (c *Client) Model() string {
	return c.cfg.Model
}

// Narrate 请求模型解读一次回测运行的结果。
func (c *Client) Narrate(ctx context.Context, strategy, params string, results []backtest.Result, regimes []feature.Regime) (Narrative, error) {
	prompt, err := BuildPrompt(strategy, params, results, regimes)
	if err != nil {
		return Narrative{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

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
		return Narrative{}, fmt.Errorf("调用OpenAI失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return Narrative{}, errors.New("OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Narrative{}, errors.New("OpenAI 返回内容为空")
	}

	narrative, err := parseNarrative(rawContent)
	if err != nil {
		c.logger.Error("解析模型解读失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return Narrative{}, err
	}

	if err := narrative.Validate(); err != nil {
		return Narrative{}, err
	}

	c.logger.Info("回测解读生成成功",
		zap.String("verdict", narrative.Verdict),
		zap.Float64("confidence", narrative.Confidence),
	)

	return narrative, nil
}

func parseNarrative(content string) (Narrative, error) {
	jsonPayload, err := extractJSON(content)
	if err != nil {
		return Narrative{}, err
	}

	var narrative Narrative
	if err = json.Unmarshal(jsonPayload, &narrative); err != nil {
		return Narrative{}, fmt.Errorf("解析解读JSON失败: %w", err)
	}

	return narrative, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
