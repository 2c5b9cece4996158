// Package protocol defines the message shapes exchanged between the tool
// loop, the provider transports and the tool registry.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message roles. The provider transport maps these onto whatever its wire
// format expects.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a provider conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tool execution.
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`

	// ToolName and ToolCallID are set on tool-result messages.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation emitted by the model. Arguments are kept as
// raw JSON until dispatch so the loop can guard against double encoding.
type ToolCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ArgsJSON string `json:"arguments"`
}

// DecodeArgs parses the call's argument JSON into a map. Some models emit
// the argument object JSON-encoded inside a JSON string; when the payload
// parses to a string it is parsed once more. Anything that does not end up
// as an object is an error.
func (tc *ToolCall) DecodeArgs() (map[string]any, error) {
	raw := tc.ArgsJSON
	if raw == "" {
		return map[string]any{}, nil
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("tool %s: invalid argument JSON: %w", tc.Name, err)
	}

	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("tool %s: double-encoded arguments do not parse: %w", tc.Name, err)
		}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool %s: arguments are not an object", tc.Name)
	}
	return obj, nil
}

func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func NewAssistantMessage(text string, toolCalls []*ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: toolCalls}
}

// NewToolMessage builds the tool-role message injected back into the
// conversation after a dispatch.
func NewToolMessage(name, toolCallID, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolName:   name,
		ToolCallID: toolCallID,
	}
}
