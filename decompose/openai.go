package decompose

import (
	"context"
	"fmt"

	"go-gigmarket/model"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.groq.com/openai/v1"

const systemPrompt = `You split one high-level task into exactly three sequential, low-level subtasks.

For every subtask return:
- "id": 1, 2 or 3
- "description": one short sentence naming the action
- "criteria": the exact words or patterns that would appear in on-screen OCR text once the subtask is done

Only produce the subtasks and their OCR success criteria. Do not evaluate any OCR data.

Respond with JSON only:
{"subtasks": [{"id": 1, "description": "...", "criteria": "..."}, {"id": 2, "description": "...", "criteria": "..."}, {"id": 3, "description": "...", "criteria": "..."}]}`

var _ Gateway = (*OpenAIGateway)(nil)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Logger      *zap.Logger
}

// OpenAIGateway asks any OpenAI-compatible chat endpoint for the plan.
type OpenAIGateway struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

func NewOpenAIGateway(cfg Config) *OpenAIGateway {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIGateway{
		client:      openai.NewClientWithConfig(config),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger.Named("decompose"),
	}
}

func (g *OpenAIGateway) Decompose(ctx context.Context, description string) ([]Spec, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: description},
		},
		Temperature: g.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: chat completion failed: %v", model.ErrExternalService, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", model.ErrExternalService)
	}

	specs, err := parseSubtasks(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("task decomposed", zap.String("model", g.model), zap.Int("subtasks", len(specs)))
	return specs, nil
}
