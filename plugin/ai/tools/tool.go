// Package tools exposes the memory facade to an agent reasoning loop as a
// closed set of named tools.
package tools

import (
	"bytes"
	"context"
	"encoding/json"

	merrors "github.com/hrygo/agentmemory/internal/errors"
)

// Tool is one agent-callable operation.
type Tool interface {
	// Name is the registry key, e.g. "memory_fetch".
	Name() string
	Description() string
	// Parameters is the JSON schema of Call.Arguments.
	Parameters() Schema
	Invoke(ctx context.Context, call *Call) (*Result, error)
}

// Schema is a JSON schema object.
type Schema map[string]any

// Call is a tool invocation made on behalf of a user.
type Call struct {
	Caller string
	// Conversation is the conversation the agent is working in, if any.
	Conversation string
	Arguments    map[string]any
}

// Result is what a tool returns to the agent.
type Result struct {
	Tool       string `json:"tool"`
	Output     any    `json:"output"`
	DurationMs int64  `json:"duration_ms"`
}

// Some models emit camelCase argument names; they are accepted as aliases.
var fieldNameMappings = map[string]string{
	"pageSize":       "page_size",
	"pageToken":      "page_token",
	"conversationId": "conversation_id",
	"resourceId":     "id",
	"resource_id":    "id",
	"dryRun":         "dry_run",
}

// decodeArguments converts the argument map into target. Unknown fields are
// rejected.
func decodeArguments(arguments map[string]any, target any) error {
	if len(arguments) == 0 {
		return nil
	}
	normalized := make(map[string]any, len(arguments))
	for key, value := range arguments {
		if mapped, ok := fieldNameMappings[key]; ok {
			key = mapped
		}
		normalized[key] = value
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return merrors.Validation("arguments are not serializable: %v", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return merrors.Validation("invalid arguments: %v", err)
	}
	return nil
}

func objectSchema(properties map[string]any, required ...string) Schema {
	schema := Schema{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func property(kind, description string) map[string]any {
	return map[string]any{"type": kind, "description": description}
}
