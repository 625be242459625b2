// Package llm adapts language model backends to the small surface the agents
// need: one blocking completion and one streamed completion.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn.
type Message struct {
	Role    string
	Content string
}

// Prompt is a system instruction plus the conversation so far. The last
// message is the one to answer.
type Prompt struct {
	System   string
	Messages []Message
}

// LastUser returns the newest user message, or "".
func (p Prompt) LastUser() string {
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == RoleUser {
			return p.Messages[i].Content
		}
	}
	return ""
}

// ChunkFunc receives streamed text in order. Returning an error stops the
// stream.
type ChunkFunc func(chunk string) error

// Model generates text.
type Model interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Stream(ctx context.Context, p Prompt, fn ChunkFunc) error
}

// New builds the Model selected by cfg.
func New(ctx context.Context, cfg config.ModelConfig) (Model, error) {
	switch cfg.Provider {
	case config.ProviderEcho, "":
		return &EchoModel{}, nil
	case config.ProviderBedrock:
		return NewBedrockModel(ctx, cfg)
	case config.ProviderOpenAI:
		return NewOpenAIModel(cfg)
	}
	return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
}

// EchoModel answers with the question it was asked. It backs local runs and
// tests where no model account is available.
type EchoModel struct {
	// Prefix is prepended to every answer.
	Prefix string
}

// Complete implements Model.
func (m *EchoModel) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.Prefix + p.LastUser(), nil
}

// Stream implements Model, emitting one word per chunk.
func (m *EchoModel) Stream(ctx context.Context, p Prompt, fn ChunkFunc) error {
	text, err := m.Complete(ctx, p)
	if err != nil {
		return err
	}
	for _, word := range strings.SplitAfter(text, " ") {
		if word == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(word); err != nil {
			return err
		}
	}
	return nil
}
