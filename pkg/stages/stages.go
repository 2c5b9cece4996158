// Package stages implements the seven stages of the turn topology. Each
// stage is a thin adapter: render its prompt, run the reasoning loop with
// its admitted skills, and fold the outcome back into the turn state.
package stages

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kadirpekel/thalamus/pkg/config"
	"github.com/kadirpekel/thalamus/pkg/events"
	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/reasoning"
	"github.com/kadirpekel/thalamus/pkg/state"
	"github.com/kadirpekel/thalamus/pkg/tools"
	"github.com/kadirpekel/thalamus/pkg/utils"
	"github.com/kadirpekel/thalamus/pkg/world"
)

// promptContextBudget caps how much serialized context a prompt carries.
const promptContextBudget = 6000

// Defs returns the full stage set in topology order.
func Defs() []*graph.StageDef {
	return []*graph.StageDef{
		{
			ID:            graph.StageRouter,
			RoleKey:       config.RoleRouter,
			PromptName:    "router",
			ToolsPolicy:   graph.ToolsPrefill,
			AllowedSkills: []string{tools.SkillCoreContext, tools.SkillMemoryRead},
			Run:           runRouter,
		},
		{
			ID:            graph.StageContextBuilder,
			RoleKey:       config.RolePlanner,
			PromptName:    "context_builder",
			ToolsPolicy:   graph.ToolsLoop,
			AllowedSkills: []string{tools.SkillCoreContext},
			Run:           runContextBuilder,
		},
		{
			ID:            graph.StageMemoryRetriever,
			RoleKey:       config.RolePlanner,
			PromptName:    "memory_retriever",
			ToolsPolicy:   graph.ToolsLoop,
			AllowedSkills: []string{tools.SkillMemoryRead},
			Run:           runMemoryRetriever,
		},
		{
			ID:            graph.StageWorldModifier,
			RoleKey:       config.RolePlanner,
			PromptName:    "world_modifier",
			ToolsPolicy:   graph.ToolsLoop,
			AllowedSkills: []string{tools.SkillCoreWorld},
			Run:           runWorldModifier,
		},
		{
			ID:          graph.StageAnswer,
			RoleKey:     config.RoleAnswer,
			PromptName:  "answer",
			ToolsPolicy: graph.ToolsDisabled,
			Run:         runAnswer,
		},
		{
			ID:          graph.StageReflectTopics,
			RoleKey:     config.RoleReflect,
			PromptName:  "reflect_topics",
			ToolsPolicy: graph.ToolsDisabled,
			Run:         runReflectTopics,
		},
		{
			ID:            graph.StageMemoryWriter,
			RoleKey:       config.RolePlanner,
			PromptName:    "memory_writer",
			ToolsPolicy:   graph.ToolsLoop,
			AllowedSkills: []string{tools.SkillMemoryWrite},
			Run:           runMemoryWriter,
		},
	}
}

// PromptNames lists every template the stages render, for startup
// verification.
func PromptNames() []string {
	names := make([]string, 0, 7)
	for _, def := range Defs() {
		names = append(names, def.PromptName)
	}
	return names
}

// ============================================================================
// Shared helpers
// ============================================================================

// loopRequest assembles the common parts of a reasoning request for a
// stage.
func loopRequest(rc *graph.RunContext, stageID, deltaMode string, messages []protocol.Message) reasoning.Request {
	return reasoning.Request{
		Provider:     rc.Provider,
		Params:       rc.Params,
		Messages:     messages,
		Toolset:      rc.Toolset,
		Resources:    rc.Resources,
		StageID:      stageID,
		Emitter:      rc.Turn.Emitter(),
		DeltaMode:    deltaMode,
		MaxRounds:    rc.Limits.ToolRounds,
		ToolDeadline: time.Duration(rc.Limits.ToolDeadlineMS) * time.Millisecond,
	}
}

// renderSystem renders the stage prompt into its system message.
func renderSystem(rc *graph.RunContext, name string, tokens map[string]string) (protocol.Message, error) {
	text, err := rc.Renderer.Render(name, tokens)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.NewSystemMessage(text), nil
}

// worldJSON serializes the world for prompt injection, without the
// volatile timestamp.
func worldJSON(w *world.State) string {
	c := w.Clone()
	c.UpdatedAt = ""
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// contextJSON serializes the evidence accumulator for prompt injection,
// bounded so runaway tool output cannot flood the context window.
func contextJSON(t *state.Turn) string {
	if len(t.Context.Sources) == 0 {
		return "[]"
	}
	data, err := json.Marshal(t.Context.Sources)
	if err != nil {
		return "[]"
	}
	return utils.SummarizeResult(string(data), promptContextBudget)
}

// packetKind maps a tool name to the evidence kind it produces.
func packetKind(tool string) string {
	switch tool {
	case tools.ToolChatHistoryTail:
		return "chat_history"
	case tools.ToolMemoryQuery:
		return "memory"
	default:
		return "tool"
	}
}

// appendEvidence folds successful read-tool outcomes into the context
// accumulator. Failed calls leave issues, not packets.
func appendEvidence(t *state.Turn, outcomes []reasoning.Outcome) {
	for _, o := range outcomes {
		if !o.OK {
			continue
		}
		t.AppendSource(state.EvidencePacket{
			Kind:  packetKind(o.Name),
			Items: packetItems(o.Value),
			Meta: state.PacketMeta{
				Tool:       o.Name,
				TS:         t.Runtime.NowISO,
				ArgsDigest: o.ArgsDigest,
			},
		})
	}
}

// packetItems flattens a tool result into packet items. Handlers return
// {"turns": [...]}, {"items": [...]} or arbitrary values.
func packetItems(value any) []any {
	if m, ok := value.(map[string]any); ok {
		for _, key := range []string{"items", "turns"} {
			if list, ok := m[key].([]any); ok {
				return list
			}
			// Typed slices survive when the handler ran in-process.
			if v, ok := m[key]; ok {
				if list := anySlice(v); list != nil {
					return list
				}
			}
		}
	}
	if value == nil {
		return []any{}
	}
	return []any{value}
}

// anySlice converts a typed slice to []any through JSON, returning nil
// for non-slices.
func anySlice(v any) []any {
	data, err := json.Marshal(v)
	if err != nil || len(data) == 0 || data[0] != '[' {
		return nil
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// mergeLoopIssues copies loop-level issues onto the turn.
func mergeLoopIssues(t *state.Turn, res *reasoning.Result) {
	for _, issue := range res.Issues {
		t.AppendIssue(issue)
	}
}

// callAdmitted invokes an admitted tool directly, for prefill stages.
// A tool outside the stage's toolset is skipped, not an error. The call
// leaves the same trace as a loop call: tool_call/tool_result events on
// the stream and, on success, an evidence packet in context.sources.
func callAdmitted(ctx context.Context, rc *graph.RunContext, stageID, name string, args map[string]any) (any, bool) {
	if rc.Toolset == nil {
		return nil, false
	}
	def := rc.Toolset.Lookup(name)
	if def == nil {
		return nil, false
	}

	emitter := rc.Turn.Emitter()
	digest := utils.ArgsDigest(args)
	id := "prefill:" + name
	if emitter != nil {
		emitter.Emit(events.ToolCall, events.ToolCallPayload{
			StageID: stageID, Name: name, ID: id, ArgsDigest: digest,
		})
	}
	started := time.Now()

	value, err := def.Handler(ctx, args, rc.Resources)
	if err != nil {
		rc.Logger.Debug("prefill tool failed", "tool", name, "error", err)
		if emitter != nil {
			emitter.Emit(events.ToolResult, events.ToolResultPayload{
				StageID: stageID, Name: name, ID: id, OK: false,
				DurationMS: time.Since(started).Milliseconds(),
				Error:      &events.ToolErrorPayload{Kind: reasoning.KindHandler, Message: err.Error()},
			})
		}
		return nil, false
	}

	content := utils.CanonicalJSON(value)
	if emitter != nil {
		emitter.Emit(events.ToolResult, events.ToolResultPayload{
			StageID: stageID, Name: name, ID: id, OK: true,
			DurationMS: time.Since(started).Milliseconds(),
			Bytes:      len(content),
		})
	}
	rc.Turn.AppendSource(state.EvidencePacket{
		Kind:  packetKind(name),
		Items: packetItems(value),
		Meta: state.PacketMeta{
			Tool:       name,
			TS:         rc.Turn.Runtime.NowISO,
			ArgsDigest: digest,
		},
	})
	return value, true
}

// decodeJSONObject extracts and decodes the first JSON object in text.
func decodeJSONObject(text string, out any) error {
	raw := utils.ExtractJSON(text)
	if raw == "" {
		raw = strings.TrimSpace(text)
	}
	return json.Unmarshal([]byte(raw), out)
}
