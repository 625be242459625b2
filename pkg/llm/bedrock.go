package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// ConverseAPI is the subset of the Bedrock runtime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// eventReader is the receiving side of a Converse event stream.
type eventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// BedrockModel calls the Bedrock Converse API.
type BedrockModel struct {
	client      ConverseAPI
	modelID     string
	maxTokens   int
	temperature float64

	openStream func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error)
}

// NewBedrockModel loads the shared AWS configuration and creates a runtime
// client for cfg.Region.
func NewBedrockModel(ctx context.Context, cfg config.ModelConfig) (*BedrockModel, error) {
	if cfg.ModelID == "" {
		return nil, errors.New("bedrock model id is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewBedrockModelWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

// NewBedrockModelWithClient wraps an existing client.
func NewBedrockModelWithClient(client ConverseAPI, cfg config.ModelConfig) *BedrockModel {
	m := &BedrockModel{
		client:      client,
		modelID:     cfg.ModelID,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
	m.openStream = func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventReader, error) {
		out, err := m.client.ConverseStream(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}
	return m
}

// Complete implements Model.
func (m *BedrockModel) Complete(ctx context.Context, p Prompt) (string, error) {
	system, messages, infer := m.request(p)
	out, err := m.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(m.modelID),
		System:          system,
		Messages:        messages,
		InferenceConfig: infer,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("bedrock converse: unexpected output %T", out.Output)
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	return b.String(), nil
}

// Stream implements Model.
func (m *BedrockModel) Stream(ctx context.Context, p Prompt, fn ChunkFunc) error {
	system, messages, infer := m.request(p)
	stream, err := m.openStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(m.modelID),
		System:          system,
		Messages:        messages,
		InferenceConfig: infer,
	})
	if err != nil {
		return fmt.Errorf("bedrock converse stream: %w", err)
	}
	defer stream.Close()

	for event := range stream.Events() {
		text, ok := deltaText(event)
		if !ok || text == "" {
			continue
		}
		if err := fn(text); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("bedrock converse stream: %w", err)
	}
	return nil
}

func (m *BedrockModel) request(p Prompt) ([]types.SystemContentBlock, []types.Message, *types.InferenceConfiguration) {
	var system []types.SystemContentBlock
	if p.System != "" {
		system = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: p.System}}
	}

	messages := make([]types.Message, 0, len(p.Messages))
	for _, msg := range p.Messages {
		role := types.ConversationRoleUser
		if msg.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		// Converse requires the conversation to open with a user turn.
		if len(messages) == 0 && role != types.ConversationRoleUser {
			continue
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
		})
	}

	infer := &types.InferenceConfiguration{}
	if m.maxTokens > 0 {
		infer.MaxTokens = aws.Int32(int32(m.maxTokens))
	}
	if m.temperature > 0 {
		infer.Temperature = aws.Float32(float32(m.temperature))
	}
	return system, messages, infer
}

// deltaText extracts streamed text from a Converse event.
func deltaText(event types.ConverseStreamOutput) (string, bool) {
	delta, ok := event.(*types.ConverseStreamOutputMemberContentBlockDelta)
	if !ok {
		return "", false
	}
	text, ok := delta.Value.Delta.(*types.ContentBlockDeltaMemberText)
	if !ok {
		return "", false
	}
	return text.Value, true
}
