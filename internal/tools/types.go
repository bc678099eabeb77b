// Package tools provides the tool gateway: a registry of retrieval
// tools that workers invoke by name with JSON-like argument maps.
//
// Tools report domain failures (empty results, unavailable backends,
// rejected queries) as observation strings, not errors. The error
// return is reserved for infrastructure problems such as timeouts and
// cancellation.
package tools

import (
	"context"
)

// Property describes a single argument for a tool schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Schema defines the expected arguments of a tool.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc is the signature for tool execution.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is a named capability a worker can invoke during its reasoning
// loop.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Execute     ExecuteFunc
}

// Validate checks that the tool definition is usable.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// StringArg extracts a string argument, tolerating a missing key.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IntArg extracts an integer argument. JSON decoding produces float64,
// so both forms are accepted.
func IntArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
