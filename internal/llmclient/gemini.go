package llmclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/replaykit/internal/config"
)

// GeminiClient implements Client on top of the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
	cfg    config.LLMConfig
	logger *zap.Logger
}

// NewGeminiClient initializes the SDK client.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
		cfg:    cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// GenerateResponse sends the prompts to the Gemini API and returns the text
// content plus token usage.
func (c *GeminiClient) GenerateResponse(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
	}
	temp := req.Options.Temperature
	genCfg.Temperature = &temp
	if req.Options.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.UserPrompt, genai.RoleUser),
	}

	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini API returned empty content")
	}

	result := &GenerationResult{Content: text}
	if resp.UsageMetadata != nil {
		result.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}

	c.logger.Debug("LLM generation complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("total_tokens", result.TokensUsed))
	return result, nil
}

var _ Client = (*GeminiClient)(nil)
