package mcp

import (
	"context"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/bridge"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
)

// InvokeAgentToolName is the name under which the bridge is exposed.
const InvokeAgentToolName = "invoke_agent"

// Invoker is the part of bridge.Client the tool needs.
type Invoker interface {
	Invoke(ctx context.Context, o bridge.Options) (*bridge.Response, error)
}

// InvokeInput are the tool arguments.
type InvokeInput struct {
	Query            string `json:"query" jsonschema:"required,minLength=1" description:"Question or instruction for the agent"`
	Agent            string `json:"agent,omitempty" description:"Agent to address; the supervisor coordinates all others"`
	SessionID        string `json:"sessionId,omitempty" description:"Resume an earlier conversation"`
	Profile          string `json:"profile,omitempty" description:"AWS profile used to sign the call"`
	TargetID         string `json:"targetId,omitempty" description:"Stack holding the endpoint outputs"`
	Region           string `json:"region,omitempty"`
	EndpointOverride string `json:"endpointOverride,omitempty" description:"Call this URL instead of looking one up"`
}

// InvokeOutput is the tool result.
type InvokeOutput struct {
	Output    string `json:"output"`
	SessionID string `json:"sessionId"`
	Agent     string `json:"agent,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// IsPartial implements PartialResult.
func (o InvokeOutput) IsPartial() bool { return o.Truncated }

// InvokeAgentTool builds the invoke_agent tool on top of inv.
func InvokeAgentTool(inv Invoker) Tool {
	agents := make([]any, 0, len(protocol.Agents()))
	for _, a := range protocol.Agents() {
		agents = append(agents, string(a))
	}

	return NewTypedTool(InvokeAgentToolName,
		"Ask a deployed agent a question. Pass the returned sessionId on later calls to continue the same conversation.",
		func(ctx context.Context, in InvokeInput) (InvokeOutput, error) {
			resp, err := inv.Invoke(ctx, bridge.Options{
				Query:            in.Query,
				Agent:            in.Agent,
				SessionID:        in.SessionID,
				Profile:          in.Profile,
				TargetID:         in.TargetID,
				Region:           in.Region,
				EndpointOverride: in.EndpointOverride,
			})
			if err != nil {
				if resp == nil {
					return InvokeOutput{}, err
				}
				if e, ok := apperr.As(err); ok && resp.SessionID != "" {
					e.With("sessionId", resp.SessionID)
				}
				// A stream that broke mid-answer still hands back what arrived.
				if !resp.Truncated {
					return InvokeOutput{}, err
				}
				return InvokeOutput{
					Output:    resp.Output,
					SessionID: resp.SessionID,
					Agent:     resp.Agent,
					Truncated: true,
				}, err
			}
			return InvokeOutput{
				Output:    resp.Output,
				SessionID: resp.SessionID,
				Agent:     resp.Agent,
				Truncated: resp.Truncated,
			}, nil
		},
		WithField("agent", func(f *SchemaField) { f.Enum = agents }),
		WithField("sessionId", func(f *SchemaField) { f.Pattern = `^[A-Za-z0-9_-]{1,128}$` }),
	).ToTool()
}

// NewBridgeServer returns a server with the invoke_agent tool registered.
func NewBridgeServer(inv Invoker, opts ...ServerOption) (*Server, error) {
	s := NewServer("agentbridge", opts...)
	if err := s.RegisterTool(InvokeAgentTool(inv)); err != nil {
		return nil, err
	}
	return s, nil
}
