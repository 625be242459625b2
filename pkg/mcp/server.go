// Package mcp exposes bridge operations as Model Context Protocol tools so
// that an MCP-capable assistant can invoke remote agents.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/security"
)

// DefaultToolTimeout bounds one tool execution.
const DefaultToolTimeout = 5 * time.Minute

// Server hosts tools
type Server struct {
	name    string
	version string
	tools   map[string]Tool
	mu      sync.RWMutex

	toolRateLimiter *security.ToolRateLimiter
	timeout         time.Duration
}

// ServerOption is a functional option for configuring the server
type ServerOption func(*Server)

// WithVersion sets the version reported on initialize.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithToolRateLimit limits calls of one tool.
func WithToolRateLimit(tool string, requestsPerSecond float64, burst int) ServerOption {
	return func(s *Server) { s.toolRateLimiter.SetToolLimit(tool, requestsPerSecond, burst) }
}

// WithToolTimeout bounds each tool execution.
func WithToolTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates a new MCP server with options
func NewServer(name string, opts ...ServerOption) *Server {
	s := &Server{
		name:            name,
		version:         "dev",
		tools:           make(map[string]Tool),
		toolRateLimiter: security.NewToolRateLimiter(),
		timeout:         DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool registers a tool with the server
func (s *Server) RegisterTool(tool Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if _, exists := s.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}

	s.tools[tool.Name] = tool
	return nil
}

// ListTools returns all registered tools sorted by name
func (s *Server) ListTools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// CallTool executes a tool by name. Failures of the tool itself are returned
// as an error result, never as an error, so one bad call cannot end the
// session.
func (s *Server) CallTool(ctx context.Context, params CallToolParams) *CallToolResult {
	s.mu.RLock()
	tool, exists := s.tools[params.Name]
	s.mu.RUnlock()

	if !exists {
		return errorResult(apperr.New(apperr.KindValidation, "tool not found: %s", params.Name))
	}

	if !s.toolRateLimiter.Allow(params.Name) {
		e := apperr.New(apperr.KindTransport, "rate limit exceeded for tool: %s", params.Name)
		e.StatusCode = http.StatusTooManyRequests
		return errorResult(e)
	}

	args := Args(params.Arguments)
	if args == nil {
		args = Args{}
	}
	if err := tool.Schema.ValidateArgs(args); err != nil {
		return errorResult(apperr.Validation("argument validation failed", []string{err.Error()}))
	}

	toolCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Handler(toolCtx, args)
	if err != nil {
		log.Printf("mcp: tool %s failed after %s: %v", params.Name, time.Since(start), err)
		res := errorResult(err)
		if p, ok := result.(PartialResult); ok && p.IsPartial() {
			res.Content = append(res.Content, formatResult(result))
			res.StructuredContent = structured(result)
		}
		return res
	}

	return &CallToolResult{
		Content:           []Content{formatResult(result)},
		StructuredContent: structured(result),
	}
}

// Name returns the server name
func (s *Server) Name() string {
	return s.name
}

// PartialResult is implemented by tool results that may carry output
// produced before the call failed. Such output is returned alongside the
// error instead of being dropped.
type PartialResult interface {
	IsPartial() bool
}

// errorResult renders err with its kind so the caller can tell a rejected
// request from a transient failure.
func errorResult(err error) *CallToolResult {
	kind := apperr.KindOf(err)
	text := err.Error()
	if e, ok := apperr.As(err); ok {
		text = e.Describe()
	}
	return &CallToolResult{
		Content:   []Content{{Type: "text", Text: text}},
		IsError:   true,
		ErrorInfo: &ErrorInfo{Kind: string(kind), Retryable: retryable(err)},
	}
}

func retryable(err error) bool {
	e, ok := apperr.As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case apperr.KindTransport:
		return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	case apperr.KindStreamTerminatedEarly:
		return true
	case apperr.KindEndpointResolution:
		return e.Reason == apperr.ReasonTransportFailure
	}
	return false
}

// formatResult converts a tool result to MCP Content
func formatResult(result any) Content {
	switch v := result.(type) {
	case string:
		return Content{Type: "text", Text: v}
	case fmt.Stringer:
		return Content{Type: "text", Text: v.String()}
	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return Content{Type: "text", Text: fmt.Sprintf("%v", v)}
		}
		return Content{Type: "text", Text: string(jsonBytes)}
	}
}

// structured returns result for structuredContent when it encodes as a JSON
// object.
func structured(result any) any {
	if _, ok := result.(string); ok {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil || len(data) == 0 || data[0] != '{' {
		return nil
	}
	return json.RawMessage(data)
}
