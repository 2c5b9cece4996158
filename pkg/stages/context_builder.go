package stages

import (
	"context"
	"fmt"

	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/llms"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/reasoning"
	"github.com/kadirpekel/thalamus/pkg/state"
)

// builderVerdict is the planner's self-assessment after gathering.
type builderVerdict struct {
	Complete      bool           `json:"complete"`
	Next          string         `json:"next"`
	MemoryRequest map[string]any `json:"memory_request"`
	Note          string         `json:"note"`
}

var builderSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"complete": map[string]any{"type": "boolean"},
		"next":     map[string]any{"type": "string", "enum": []string{"", state.StageNextRetriever}},
		"memory_request": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"k":     map[string]any{"type": "integer"},
			},
		},
		"note": map[string]any{"type": "string"},
	},
	"required": []string{"complete"},
}

// runContextBuilder gathers evidence with its admitted tools, then decides
// whether the packet set suffices or the memory retriever should run.
func runContextBuilder(ctx context.Context, rc *graph.RunContext) error {
	turn := rc.Turn

	system, err := renderSystem(rc, "context_builder", map[string]string{
		"USER_TEXT":   turn.Task.UserText,
		"WORLD_STATE": worldJSON(turn.World),
		"CONTEXT":     contextJSON(turn),
		"NOW_ISO":     turn.Runtime.NowISO,
	})
	if err != nil {
		return err
	}

	req := loopRequest(rc, graph.StageContextBuilder, reasoning.DeltaThinking, []protocol.Message{
		system,
		protocol.NewUserMessage(turn.Task.UserText),
	})
	req.Format = &llms.ResponseFormat{Type: llms.FormatSchema, Name: "builder_verdict", Schema: builderSchema}
	req.FormatDirective = "Now summarize: reply with a single JSON object {complete, next, memory_request, note} describing whether the gathered context suffices."

	res, err := reasoning.Run(ctx, req)
	if err != nil {
		return err
	}
	appendEvidence(turn, res.Outcomes)
	mergeLoopIssues(turn, res)

	var verdict builderVerdict
	if err := decodeJSONObject(res.Text, &verdict); err != nil {
		// An unparseable verdict means no further round trips; the answer
		// stage works with whatever evidence landed.
		turn.AppendIssue(fmt.Sprintf("context_verdict_parse_failed: %v", err))
		turn.Context.Complete = false
		turn.Context.Next = ""
		return nil
	}

	turn.Context.Complete = verdict.Complete
	if verdict.Next == state.StageNextRetriever && !verdict.Complete {
		turn.Context.Next = state.StageNextRetriever
		turn.Context.MemoryRequest = verdict.MemoryRequest
	} else {
		turn.Context.Next = ""
		turn.Context.MemoryRequest = nil
	}
	if verdict.Note != "" {
		turn.Context.Issues = append(turn.Context.Issues, verdict.Note)
	}
	return nil
}
