package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Tool represents an MCP tool definition
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Handler     ToolHandler `json:"-"`
	Schema      Schema      `json:"input_schema"`
}

// ToolHandler is the function signature for tool handlers
type ToolHandler func(context.Context, Args) (any, error)

// Schema represents a JSON Schema for tool input validation
type Schema map[string]SchemaField

// SchemaField represents a single field in the schema
type SchemaField struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"-"`
	Default     any      `json:"default,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	MinLength   int      `json:"minLength,omitempty"`
	Enum        []any    `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// InputSchema renders s as a JSON Schema object for tools/list.
func (s Schema) InputSchema() map[string]any {
	props := make(map[string]any, len(s))
	required := []string{}
	for name, field := range s {
		props[name] = field
		if field.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Args provides type-safe access to tool arguments
type Args map[string]any

// String returns a string argument
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer argument
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// Bool returns a boolean argument
func (a Args) Bool(key string) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return false
}

// ValidateArgs validates arguments against the schema. Fields are checked in
// name order so the reported violation is stable.
func (s Schema) ValidateArgs(args Args) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := s[name]
		val, exists := args[name]
		if !exists || val == nil {
			if field.Required {
				return fmt.Errorf("missing required field: %s", name)
			}
			continue
		}
		if err := validateFieldType(name, val, field); err != nil {
			return err
		}
	}
	return nil
}

// validateFieldType validates a field against its schema definition
func validateFieldType(fieldName string, val any, field SchemaField) error {
	switch field.Type {
	case "string":
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", fieldName, val)
		}
		if field.MinLength > 0 && len(str) < field.MinLength {
			return fmt.Errorf("field %s: string too short (min %d)", fieldName, field.MinLength)
		}
		if field.MaxLength > 0 && len(str) > field.MaxLength {
			return fmt.Errorf("field %s: string too long (max %d)", fieldName, field.MaxLength)
		}
		if field.Pattern != "" {
			re, err := regexp.Compile(field.Pattern)
			if err != nil {
				return fmt.Errorf("field %s: invalid pattern: %w", fieldName, err)
			}
			if !re.MatchString(str) {
				return fmt.Errorf("field %s: does not match %s", fieldName, field.Pattern)
			}
		}
		if len(field.Enum) > 0 {
			found := false
			for _, allowed := range field.Enum {
				if allowedStr, ok := allowed.(string); ok && allowedStr == str {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("field %s: value %q not in allowed list", fieldName, str)
			}
		}

	case "number", "integer":
		var numVal float64
		switch v := val.(type) {
		case float64:
			numVal = v
		case int:
			numVal = float64(v)
		case int64:
			numVal = float64(v)
		default:
			return fmt.Errorf("field %s: expected number, got %T", fieldName, val)
		}
		if field.Minimum != nil && numVal < *field.Minimum {
			return fmt.Errorf("field %s: value %f below minimum %f", fieldName, numVal, *field.Minimum)
		}
		if field.Maximum != nil && numVal > *field.Maximum {
			return fmt.Errorf("field %s: value %f above maximum %f", fieldName, numVal, *field.Maximum)
		}

	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %s: expected boolean, got %T", fieldName, val)
		}

	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("field %s: expected object, got %T", fieldName, val)
		}

	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("field %s: expected array, got %T", fieldName, val)
		}
	}

	return nil
}

// CallToolParams represents parameters for calling a tool
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallToolResult represents the result of a tool call
type CallToolResult struct {
	Content           []Content  `json:"content"`
	StructuredContent any        `json:"structuredContent,omitempty"`
	IsError           bool       `json:"isError,omitempty"`
	ErrorInfo         *ErrorInfo `json:"errorInfo,omitempty"`
}

// ErrorInfo classifies a failed call so agents can decide whether to retry.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// Content represents tool result content
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
