// Package reasoning implements the streaming tool loop that mediates one
// LLM call: collect tool invocations from the stream, dispatch them under
// the firewall, inject results as tool messages, and repeat until the
// model produces a tool-free response (or the round bound forces a final
// formatting pass).
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/thalamus/pkg/events"
	"github.com/kadirpekel/thalamus/pkg/httpclient"
	"github.com/kadirpekel/thalamus/pkg/llms"
	"github.com/kadirpekel/thalamus/pkg/observability"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/tools"
	"github.com/kadirpekel/thalamus/pkg/utils"
	"github.com/kadirpekel/thalamus/pkg/world"
)

// Defaults for the loop bounds.
const (
	DefaultMaxRounds    = 8
	DefaultToolDeadline = 15 * time.Second
)

// Delta forwarding modes: which event type text deltas become.
const (
	DeltaNone      = "none"
	DeltaThinking  = "thinking"
	DeltaAssistant = "assistant"
)

// Tool error kinds.
const (
	KindBadArgs       = "bad_args"
	KindForbidden     = "forbidden"
	KindForbiddenPath = "forbidden_path"
	KindTimeout       = "timeout"
	KindHandler       = "handler"
	KindInvalidResult = "invalid_result"
)

// Request is one loop invocation around one stage's LLM call.
type Request struct {
	Provider llms.Provider
	Params   llms.Params

	Messages []protocol.Message

	// Toolset may be nil or empty: the loop then performs exactly one
	// streaming call and forwards it 1:1.
	Toolset   *tools.Toolset
	Resources *tools.Resources

	// Format constrains the final output. With tools enabled it is
	// applied in a final formatting pass, never in tool rounds.
	Format *llms.ResponseFormat
	// FormatDirective is the system message added for the formatting
	// pass.
	FormatDirective string

	StageID string
	Emitter *events.Emitter

	// DeltaMode selects the event type for forwarded text deltas.
	DeltaMode string

	MaxRounds    int
	ToolDeadline time.Duration
}

// Outcome records one dispatched tool call for the stage to build
// evidence from.
type Outcome struct {
	Name       string
	ID         string
	Args       map[string]any
	ArgsDigest string
	OK         bool
	Kind       string
	Value      any
}

// Result is the loop's final product.
type Result struct {
	Text     string
	Usage    *llms.Usage
	Outcomes []Outcome
	Issues   []string
	// Bounded is set when the round limit forced the formatting pass.
	Bounded bool
}

// Run drives the loop to completion. A returned error means the provider
// transport failed beyond retry; tool failures never surface as errors.
func Run(ctx context.Context, req Request) (*Result, error) {
	if req.MaxRounds <= 0 {
		req.MaxRounds = DefaultMaxRounds
	}
	if req.ToolDeadline <= 0 {
		req.ToolDeadline = DefaultToolDeadline
	}

	res := &Result{}
	messages := append([]protocol.Message(nil), req.Messages...)

	// No tools: one call, stream forwarded as-is. On a failed stream the
	// result still carries whatever text arrived before the cut.
	if req.Toolset == nil || req.Toolset.Empty() {
		text, usage, err := streamOnce(ctx, req, messages, nil, req.Format)
		res.Text = text
		res.Usage = usage
		if err != nil {
			return res, err
		}
		return res, nil
	}

	schemas := req.Toolset.Schemas()
	for round := 1; round <= req.MaxRounds; round++ {
		text, calls, usage, err := streamRound(ctx, req, messages, schemas)
		if err != nil {
			return nil, err
		}
		res.Usage = usage

		if len(calls) == 0 {
			if req.Format != nil && req.Format.Type != llms.FormatNone {
				return finishFormatting(ctx, req, messages, res)
			}
			res.Text = text
			return res, nil
		}

		messages = append(messages, protocol.NewAssistantMessage(text, calls))

		for _, call := range calls {
			outcome, resultMsg := dispatch(ctx, req, call)
			res.Outcomes = append(res.Outcomes, outcome)
			if !outcome.OK && outcome.Kind == KindForbidden {
				res.Issues = append(res.Issues, "tool_forbidden:"+call.Name)
			}
			messages = append(messages, resultMsg)
		}
	}

	res.Bounded = true
	res.Issues = append(res.Issues, "tool_rounds_bounded")
	return finishFormatting(ctx, req, messages, res)
}

// finishFormatting runs the final pass with tools disabled. Its output
// replaces any text accumulated in earlier rounds.
func finishFormatting(ctx context.Context, req Request, messages []protocol.Message, res *Result) (*Result, error) {
	if req.FormatDirective != "" {
		messages = append(messages, protocol.NewSystemMessage(req.FormatDirective))
	}
	text, usage, err := streamOnce(ctx, req, messages, nil, req.Format)
	if err != nil {
		return nil, err
	}
	res.Text = text
	if usage != nil {
		res.Usage = usage
	}
	return res, nil
}

// streamRound performs one tool-enabled round: format is withheld so the
// model is free to call tools.
func streamRound(ctx context.Context, req Request, messages []protocol.Message, schemas []llms.ToolSchema) (string, []*protocol.ToolCall, *llms.Usage, error) {
	return streamWithRetry(ctx, req, messages, schemas, nil)
}

// streamOnce performs one call with the given schemas and format.
func streamOnce(ctx context.Context, req Request, messages []protocol.Message, schemas []llms.ToolSchema, format *llms.ResponseFormat) (string, *llms.Usage, error) {
	text, _, usage, err := streamWithRetry(ctx, req, messages, schemas, format)
	return text, usage, err
}

// streamWithRetry consumes one provider stream, retrying once when the
// transport fails transiently before anything was forwarded.
func streamWithRetry(ctx context.Context, req Request, messages []protocol.Message, schemas []llms.ToolSchema, format *llms.ResponseFormat) (string, []*protocol.ToolCall, *llms.Usage, error) {
	text, calls, usage, forwarded, err := consumeStream(ctx, req, messages, schemas, format)
	if err != nil && !forwarded && httpclient.IsTransient(err) {
		select {
		case <-ctx.Done():
			return "", nil, nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		text, calls, usage, _, err = consumeStream(ctx, req, messages, schemas, format)
	}
	return text, calls, usage, err
}

func consumeStream(ctx context.Context, req Request, messages []protocol.Message, schemas []llms.ToolSchema, format *llms.ResponseFormat) (string, []*protocol.ToolCall, *llms.Usage, bool, error) {
	stream, err := req.Provider.Stream(ctx, messages, schemas, format, req.Params)
	if err != nil {
		return "", nil, nil, false, err
	}

	var text strings.Builder
	var calls []*protocol.ToolCall
	var usage *llms.Usage
	forwarded := false

	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkText:
			text.WriteString(chunk.Text)
			forwarded = forwardDelta(req, req.DeltaMode, chunk.Text) || forwarded
		case llms.ChunkThinking:
			forwarded = forwardDelta(req, DeltaThinking, chunk.Text) || forwarded
		case llms.ChunkToolCall:
			calls = append(calls, chunk.ToolCall)
			forwarded = true
		case llms.ChunkDone:
			usage = chunk.Usage
		case llms.ChunkError:
			return text.String(), calls, usage, forwarded, chunk.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return text.String(), calls, usage, forwarded, err
	}
	return text.String(), calls, usage, forwarded, nil
}

func forwardDelta(req Request, mode, text string) bool {
	if req.Emitter == nil || text == "" {
		return false
	}
	switch mode {
	case DeltaThinking:
		req.Emitter.Emit(events.DeltaThinking, events.DeltaThinkingPayload{Text: text})
	case DeltaAssistant:
		req.Emitter.Emit(events.AssistantDelta, events.AssistantDeltaPayload{Text: text})
	default:
		return false
	}
	return true
}

// ============================================================================
// Dispatch
// ============================================================================

// dispatch executes one tool call. Every failure mode becomes an
// {ok:false, error:{...}} tool message; nothing here aborts the turn.
func dispatch(ctx context.Context, req Request, call *protocol.ToolCall) (Outcome, protocol.Message) {
	outcome := Outcome{Name: call.Name, ID: call.ID}

	args, err := call.DecodeArgs()
	if err != nil {
		return failOutcome(req, call, outcome, KindBadArgs, err.Error(), time.Now())
	}
	outcome.Args = args
	outcome.ArgsDigest = utils.ArgsDigest(args)

	emitToolCall(req, call, outcome.ArgsDigest)
	started := time.Now()

	def := req.Toolset.Lookup(call.Name)
	if def == nil {
		return failOutcome(req, call, outcome, KindForbidden,
			fmt.Sprintf("tool %q is not available to this stage", call.Name), started)
	}

	deadline := req.ToolDeadline
	if def.Deadline > 0 {
		deadline = def.Deadline
	}
	spanCtx, span := observability.StartSpan(ctx, observability.SpanToolCall)
	value, err := execute(spanCtx, def, args, req.Resources, deadline)
	observability.EndSpan(span, err)
	if err != nil {
		kind := KindHandler
		var fpe *world.ForbiddenPathError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = KindTimeout
		case errors.As(err, &fpe):
			kind = KindForbiddenPath
		}
		return failOutcome(req, call, outcome, kind, err.Error(), started)
	}

	if def.Validator != nil {
		if err := def.Validator(value); err != nil {
			return failOutcome(req, call, outcome, KindInvalidResult, err.Error(), started)
		}
	}

	content := normalizeResult(value)
	outcome.OK = true
	outcome.Value = value

	emitToolResult(req, call, events.ToolResultPayload{
		StageID:    req.StageID,
		Name:       call.Name,
		ID:         call.ID,
		OK:         true,
		DurationMS: time.Since(started).Milliseconds(),
		Bytes:      len(content),
	})
	return outcome, protocol.NewToolMessage(call.Name, call.ID, content)
}

// execute runs the handler under its deadline with panic containment.
func execute(ctx context.Context, def *tools.Definition, args map[string]any, res *tools.Resources, deadline time.Duration) (value any, err error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type handlerOut struct {
		value any
		err   error
	}
	done := make(chan handlerOut, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOut{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		v, err := def.Handler(ctx, args, res)
		done <- handlerOut{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func failOutcome(req Request, call *protocol.ToolCall, outcome Outcome, kind, message string, started time.Time) (Outcome, protocol.Message) {
	outcome.OK = false
	outcome.Kind = kind

	if outcome.ArgsDigest == "" {
		emitToolCall(req, call, "")
	}
	content := utils.CanonicalJSON(map[string]any{
		"ok": false,
		"error": map[string]any{
			"kind":    kind,
			"message": message,
		},
	})
	emitToolResult(req, call, events.ToolResultPayload{
		StageID:    req.StageID,
		Name:       call.Name,
		ID:         call.ID,
		OK:         false,
		DurationMS: time.Since(started).Milliseconds(),
		Bytes:      len(content),
		Error:      &events.ToolErrorPayload{Kind: kind, Message: message},
	})
	return outcome, protocol.NewToolMessage(call.Name, call.ID, content)
}

// normalizeResult turns a handler value into the string injected as the
// tool message: strings pass through, everything else serialises as
// canonical JSON.
func normalizeResult(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return utils.CanonicalJSON(value)
}

func emitToolCall(req Request, call *protocol.ToolCall, digest string) {
	if req.Emitter == nil {
		return
	}
	req.Emitter.Emit(events.ToolCall, events.ToolCallPayload{
		StageID:    req.StageID,
		Name:       call.Name,
		ID:         call.ID,
		ArgsDigest: digest,
	})
}

func emitToolResult(req Request, call *protocol.ToolCall, payload events.ToolResultPayload) {
	if req.Emitter == nil {
		return
	}
	req.Emitter.Emit(events.ToolResult, payload)
}
