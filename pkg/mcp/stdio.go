package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// protocolVersion is the MCP revision answered on initialize.
const protocolVersion = "2025-06-18"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// maxLineSize bounds one newline-delimited message.
const maxLineSize = 4 << 20

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolDescription struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDescription `json:"tools"`
}

// ServeStdio runs the JSON-RPC loop on the process's standard streams.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, os.Stdin, os.Stdout)
}

// Run reads newline-delimited JSON-RPC 2.0 requests from input and writes
// one response line per request to output until input ends or ctx is done.
// Requests are handled in order; notifications get no response.
func (s *Server) Run(ctx context.Context, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	encoder := json.NewEncoder(output)
	initialized := false

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := writeError(encoder, json.RawMessage("null"), codeParseError, "parse error: "+err.Error()); err != nil {
				return err
			}
			continue
		}
		if req.isNotification() {
			continue
		}
		if req.JSONRPC != "2.0" {
			if err := writeError(encoder, req.ID, codeInvalidRequest, "unsupported JSON-RPC version"); err != nil {
				return err
			}
			continue
		}

		if err := s.dispatch(ctx, encoder, &req, &initialized); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, encoder *json.Encoder, req *rpcRequest, initialized *bool) error {
	switch req.Method {
	case "initialize":
		*initialized = true
		return writeResult(encoder, req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		})
	case "ping":
		return writeResult(encoder, req.ID, map[string]any{})
	case "tools/list":
		if !*initialized {
			return writeError(encoder, req.ID, codeInvalidRequest, "server not initialized")
		}
		return writeResult(encoder, req.ID, s.describeTools())
	case "tools/call":
		if !*initialized {
			return writeError(encoder, req.ID, codeInvalidRequest, "server not initialized")
		}
		var params CallToolParams
		if len(req.Params) == 0 {
			return writeError(encoder, req.ID, codeInvalidParams, "params required for tools/call")
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return writeError(encoder, req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
		}
		return writeResult(encoder, req.ID, s.CallTool(ctx, params))
	default:
		return writeError(encoder, req.ID, codeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Server) describeTools() toolsListResult {
	tools := s.ListTools()
	out := toolsListResult{Tools: make([]toolDescription, 0, len(tools))}
	for _, t := range tools {
		out.Tools = append(out.Tools, toolDescription{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema.InputSchema(),
		})
	}
	return out
}

func writeResult(encoder *json.Encoder, id json.RawMessage, result any) error {
	if err := encoder.Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result}); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func writeError(encoder *json.Encoder, id json.RawMessage, code int, message string) error {
	if err := encoder.Encode(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
