// Package agents implements the named agents served behind the bridge: four
// domain specialists and the supervisor that coordinates them.
package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	tracing "github.com/ExtendOSS/serverless-agent-pattern/internal/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/dispatch"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/llm"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/memory"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultHistoryLimit is how many earlier turns are replayed to the model.
const DefaultHistoryLimit = 20

// Agent answers from its own thread of the caller's session.
type Agent struct {
	name         protocol.AgentName
	description  string
	instructions string
	model        llm.Model
	store        memory.Store
	historyLimit int
}

// Option configures an Agent.
type Option func(*Agent)

// WithHistoryLimit sets how many earlier turns are replayed.
func WithHistoryLimit(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// WithDescription sets the one-line summary shown by the agents listing.
func WithDescription(d string) Option {
	return func(a *Agent) {
		a.description = d
	}
}

// New creates an agent.
func New(name protocol.AgentName, instructions string, model llm.Model, store memory.Store, opts ...Option) *Agent {
	a := &Agent{
		name:         name,
		instructions: instructions,
		model:        model,
		store:        store,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent name.
func (a *Agent) Name() protocol.AgentName { return a.name }

// Description returns the one-line summary.
func (a *Agent) Description() string { return a.description }

// Generate implements dispatch.Target.
func (a *Agent) Generate(ctx context.Context, call dispatch.Call) (string, error) {
	return a.answer(ctx, call, call.Query, nil, true)
}

// Stream implements dispatch.Target.
func (a *Agent) Stream(ctx context.Context, call dispatch.Call, fn func(string) error) error {
	_, err := a.answer(ctx, call, call.Query, fn, true)
	return err
}

// consult answers on the agent's thread without recording the turn, so a
// supervisor fan-out leaves the thread a user talks to directly untouched.
func (a *Agent) consult(ctx context.Context, call dispatch.Call) (string, error) {
	return a.answer(ctx, call, call.Query, nil, false)
}

// answer runs one turn. prompt is what the model sees as the newest user
// message; call.Query is what the thread records. When record is set the turn
// is persisted, and only after the model finished.
func (a *Agent) answer(ctx context.Context, call dispatch.Call, prompt string, fn func(string) error, record bool) (out string, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanAgent,
		attribute.String("agent", string(a.name)),
		attribute.Bool("stream", fn != nil),
	)
	defer func() { tracing.EndSpan(span, err) }()

	history, err := a.store.History(ctx, call.ThreadID, a.historyLimit)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	p := llm.Prompt{System: a.instructions, Messages: make([]llm.Message, 0, len(history)+1)}
	for _, t := range history {
		p.Messages = append(p.Messages, llm.Message{Role: t.Role, Content: t.Content})
	}
	p.Messages = append(p.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	if fn == nil {
		out, err = a.model.Complete(ctx, p)
	} else {
		var b strings.Builder
		err = a.model.Stream(ctx, p, func(chunk string) error {
			b.WriteString(chunk)
			return fn(chunk)
		})
		out = b.String()
	}
	if err != nil {
		return out, fmt.Errorf("model: %w", err)
	}
	if !record {
		return out, nil
	}

	if err := a.store.Append(ctx, call.ThreadID, call.ResourceID,
		memory.Turn{Role: memory.RoleUser, Content: call.Query},
		memory.Turn{Role: memory.RoleAssistant, Content: out},
	); err != nil {
		// The answer was already produced; losing the turn only shortens recall.
		log.Printf("agent %s: failed to save turn on %s: %v", a.name, call.ThreadID, err)
	}
	return out, nil
}
