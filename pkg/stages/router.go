package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/llms"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/reasoning"
	"github.com/kadirpekel/thalamus/pkg/state"
	"github.com/kadirpekel/thalamus/pkg/tools"
	"github.com/kadirpekel/thalamus/pkg/world"
)

// routerDecision is the structured verdict the router model returns.
type routerDecision struct {
	Route    string `json:"route"`
	Language string `json:"language"`
	Status   string `json:"status"`
}

var routerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"route":    map[string]any{"type": "string", "enum": []string{state.RouteContext, state.RouteWorld, state.RouteDefault}},
		"language": map[string]any{"type": "string"},
		"status":   map[string]any{"type": "string"},
	},
	"required": []string{"route"},
}

// prefillQuery derives the memory hint query from the standing world
// state. The query is mechanical, not model-chosen, so the router's
// prefill stays deterministic; an empty world yields no query.
func prefillQuery(w *world.State) string {
	parts := append([]string{}, w.Topics...)
	if w.Project != "" {
		parts = append(parts, w.Project)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// runRouter classifies the user message. It prefills recent chat turns
// and memory hints through its admitted tools instead of looping: one
// cheap structured call decides the route.
func runRouter(ctx context.Context, rc *graph.RunContext) error {
	turn := rc.Turn

	tail := "[]"
	if value, ok := callAdmitted(ctx, rc, graph.StageRouter, tools.ToolChatHistoryTail, map[string]any{"limit": 6}); ok {
		if data, err := json.Marshal(packetItems(value)); err == nil {
			tail = string(data)
		}
	}

	hints := "[]"
	if query := prefillQuery(turn.World); query != "" {
		if value, ok := callAdmitted(ctx, rc, graph.StageRouter, tools.ToolMemoryQuery, map[string]any{
			"query": query,
			"k":     3,
		}); ok {
			if data, err := json.Marshal(packetItems(value)); err == nil {
				hints = string(data)
			}
		}
	}

	system, err := renderSystem(rc, "router", map[string]string{
		"USER_TEXT":    turn.Task.UserText,
		"WORLD_STATE":  worldJSON(turn.World),
		"NOW_ISO":      turn.Runtime.NowISO,
		"TIMEZONE":     turn.Runtime.Timezone,
		"CHAT_TAIL":    tail,
		"MEMORY_HINTS": hints,
	})
	if err != nil {
		return err
	}

	req := loopRequest(rc, graph.StageRouter, reasoning.DeltaThinking, []protocol.Message{
		system,
		protocol.NewUserMessage(turn.Task.UserText),
	})
	req.Toolset = nil
	req.Format = &llms.ResponseFormat{Type: llms.FormatSchema, Name: "router_decision", Schema: routerSchema}

	res, err := reasoning.Run(ctx, req)
	if err != nil {
		return err
	}

	var decision routerDecision
	if err := decodeJSONObject(res.Text, &decision); err != nil {
		turn.AppendIssue(fmt.Sprintf("router_parse_failed: %v", err))
		return nil
	}

	switch decision.Route {
	case state.RouteContext, state.RouteWorld, state.RouteDefault:
		turn.Task.Route = decision.Route
	case "":
		turn.AppendIssue("router_empty_route")
	default:
		turn.AppendIssue("router_invalid_route:" + decision.Route)
	}
	if decision.Language != "" {
		turn.Task.Language = decision.Language
	}
	turn.Runtime.Status = decision.Status
	return nil
}
