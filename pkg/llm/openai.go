package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// ChatClient is the subset of the OpenAI client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIModel calls an OpenAI-compatible chat completions API.
type OpenAIModel struct {
	client      ChatClient
	model       string
	maxTokens   int
	temperature float64
}

// NewOpenAIModel creates a model from cfg. BaseURL selects any compatible
// server.
func NewOpenAIModel(cfg config.ModelConfig) (*OpenAIModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIModelWithClient(openai.NewClientWithConfig(clientCfg), cfg), nil
}

// NewOpenAIModelWithClient wraps an existing client.
func NewOpenAIModelWithClient(client ChatClient, cfg config.ModelConfig) *OpenAIModel {
	model := cfg.ModelID
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIModel{
		client:      client,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Complete implements Model.
func (m *OpenAIModel) Complete(ctx context.Context, p Prompt) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, m.request(p, false))
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat completion: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements Model.
func (m *OpenAIModel) Stream(ctx context.Context, p Prompt, fn ChunkFunc) error {
	stream, err := m.client.CreateChatCompletionStream(ctx, m.request(p, true))
	if err != nil {
		return fmt.Errorf("openai chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai chat completion stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := fn(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

func (m *OpenAIModel) request(p Prompt, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(p.Messages)+1)
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	for _, msg := range p.Messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	return openai.ChatCompletionRequest{
		Model:       m.model,
		Messages:    messages,
		MaxTokens:   m.maxTokens,
		Temperature: float32(m.temperature),
		Stream:      stream,
	}
}
