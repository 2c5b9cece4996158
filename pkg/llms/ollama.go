package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/thalamus/pkg/httpclient"
	"github.com/kadirpekel/thalamus/pkg/observability"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/utils"
)

// OllamaProvider streams chat completions from an Ollama server over its
// NDJSON /api/chat endpoint.
type OllamaProvider struct {
	endpoint string
	model    string
	client   *httpclient.Client
	counter  *utils.TokenCounter
	logger   *slog.Logger
}

// NewOllamaProvider creates a provider for one model on one endpoint.
func NewOllamaProvider(endpoint, model string, logger *slog.Logger) *OllamaProvider {
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		counter = nil
	}
	return &OllamaProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   httpclient.New(),
		counter:  counter,
		logger:   logger,
	}
}

func (p *OllamaProvider) Model() string { return p.model }

// ============================================================================
// Wire types
// ============================================================================

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   any             `json:"format,omitempty"` // "json" or a schema object
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Thinking   string           `json:"thinking,omitempty"`
	ToolCalls  []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type ollamaToolCall struct {
	Type     string         `json:"type,omitempty"`
	Function ollamaToolFunc `json:"function"`
}

type ollamaToolFunc struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaStreamChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// ============================================================================
// Request building
// ============================================================================

func (p *OllamaProvider) buildRequest(messages []protocol.Message, tools []ToolSchema, format *ResponseFormat, params Params) (*ollamaRequest, error) {
	req := &ollamaRequest{
		Model:  params.Model,
		Stream: true,
	}
	if req.Model == "" {
		req.Model = p.model
	}

	for _, m := range messages {
		om := ollamaMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolName:   m.ToolName,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args := json.RawMessage(tc.ArgsJSON)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Type:     "function",
				Function: ollamaToolFunc{Name: tc.Name, Arguments: args},
			})
		}
		req.Messages = append(req.Messages, om)
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if format != nil {
		switch format.Type {
		case FormatNone:
		case FormatJSONObject:
			req.Format = "json"
		case FormatSchema:
			req.Format = format.Schema
		default:
			return nil, fmt.Errorf("ollama: unknown response format %q", format.Type)
		}
	}

	if params.Temperature != 0 || params.MaxTokens != 0 || params.NumCtx != 0 || len(params.Stop) > 0 {
		req.Options = &ollamaOptions{
			Temperature: params.Temperature,
			NumPredict:  params.MaxTokens,
			NumCtx:      params.NumCtx,
			Stop:        params.Stop,
		}
	}
	return req, nil
}

// ============================================================================
// Streaming
// ============================================================================

// Stream issues the chat request and forwards the NDJSON stream as chunks.
// Establishing the connection goes through the retrying client; once bytes
// flow, a mid-stream failure surfaces as an error chunk.
func (p *OllamaProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolSchema, format *ResponseFormat, params Params) (<-chan StreamChunk, error) {
	reqBody, err := p.buildRequest(messages, tools, format, params)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanLLMStream)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var textTotal strings.Builder
		var promptText int
		for _, m := range messages {
			promptText += len(m.Content)
		}
		sawToolCalls := false

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaStreamChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				p.logger.Warn("ollama stream line unparseable", "error", err)
				continue
			}
			if chunk.Error != "" {
				sendChunk(ctx, out, StreamChunk{Type: ChunkError, Err: fmt.Errorf("ollama: %s", chunk.Error)})
				observability.EndSpan(span, fmt.Errorf("%s", chunk.Error))
				return
			}

			if chunk.Message.Thinking != "" {
				if !sendChunk(ctx, out, StreamChunk{Type: ChunkThinking, Text: chunk.Message.Thinking}) {
					observability.EndSpan(span, ctx.Err())
					return
				}
			}
			if chunk.Message.Content != "" {
				textTotal.WriteString(chunk.Message.Content)
				if !sendChunk(ctx, out, StreamChunk{Type: ChunkText, Text: chunk.Message.Content}) {
					observability.EndSpan(span, ctx.Err())
					return
				}
			}
			for _, tc := range chunk.Message.ToolCalls {
				sawToolCalls = true
				call := &protocol.ToolCall{
					ID:       uuid.NewString(),
					Name:     tc.Function.Name,
					ArgsJSON: string(tc.Function.Arguments),
				}
				if !sendChunk(ctx, out, StreamChunk{Type: ChunkToolCall, ToolCall: call}) {
					observability.EndSpan(span, ctx.Err())
					return
				}
			}

			if chunk.Done {
				usage := &Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
				}
				if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
					usage.CompletionTokens = p.counter.Count(textTotal.String())
					usage.PromptTokens = promptText / 4
					usage.Estimated = true
					p.logger.Debug("ollama reported no usage, estimating",
						"model", reqBody.Model, "completion_tokens", usage.CompletionTokens)
				}
				reason := finishReason(chunk.DoneReason, sawToolCalls)
				sendChunk(ctx, out, StreamChunk{Type: ChunkDone, FinishReason: reason, Usage: usage})
				observability.EndSpan(span, nil)
				return
			}
		}

		// Reaching here means the stream ended without a done marker.
		err := scanner.Err()
		if err == nil {
			err = fmt.Errorf("stream ended without done marker")
		}
		sendChunk(ctx, out, StreamChunk{Type: ChunkError, Err: &httpclient.TransportError{
			Op:        "stream /api/chat",
			Err:       err,
			Transient: true,
		}})
		observability.EndSpan(span, err)
	}()
	return out, nil
}

func sendChunk(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func finishReason(doneReason string, sawToolCalls bool) string {
	switch doneReason {
	case "length":
		return FinishLength
	case "stop", "":
		if sawToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	default:
		if sawToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	}
}

var _ Provider = (*OllamaProvider)(nil)
