// Package llms defines the streaming provider contract and its Ollama
// transport. A provider turns a chat request into an ordered stream of
// chunks: text deltas, tool calls, then a finish marker with usage.
package llms

import (
	"context"

	"github.com/kadirpekel/thalamus/pkg/protocol"
)

// Chunk types.
const (
	ChunkText     = "text"
	ChunkThinking = "thinking"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// Finish reasons reported on the done chunk.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// Response format hints.
const (
	FormatNone       = ""
	FormatJSONObject = "json_object"
	FormatSchema     = "schema"
)

// StreamChunk is one item on a provider stream.
type StreamChunk struct {
	Type string

	// Text carries the delta for text and thinking chunks.
	Text string

	// ToolCall is set for tool_call chunks.
	ToolCall *protocol.ToolCall

	// FinishReason and Usage are set on the done chunk.
	FinishReason string
	Usage        *Usage

	// Err is set on error chunks; the stream ends after it.
	Err error
}

// Usage is the token accounting for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int

	// Estimated marks counts derived locally because the provider did not
	// report usage.
	Estimated bool
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object for the arguments.
	Parameters any
}

// ResponseFormat constrains the model's final output.
type ResponseFormat struct {
	// Type is FormatNone, FormatJSONObject or FormatSchema.
	Type string
	// Name and Schema describe a named JSON schema when Type is
	// FormatSchema.
	Name   string
	Schema any
}

// Params are the per-request sampling parameters.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	NumCtx      int
	Stop        []string
}

// Provider is a streaming chat model. The returned channel yields chunks
// in order and closes after a done or error chunk. Cancelling ctx closes
// the underlying stream.
type Provider interface {
	Stream(ctx context.Context, messages []protocol.Message, tools []ToolSchema, format *ResponseFormat, params Params) (<-chan StreamChunk, error)
	Model() string
}
