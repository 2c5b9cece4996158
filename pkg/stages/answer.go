package stages

import (
	"context"
	"strings"

	"github.com/kadirpekel/thalamus/pkg/events"
	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/reasoning"
)

// runAnswer produces the user-facing reply. Tools are disabled here: the
// stage streams exactly one completion, forwarding deltas live, and
// writes Final.Answer once.
func runAnswer(ctx context.Context, rc *graph.RunContext) error {
	turn := rc.Turn
	emitter := turn.Emitter()

	system, err := renderSystem(rc, "answer", map[string]string{
		"USER_TEXT":   turn.Task.UserText,
		"WORLD_STATE": worldJSON(turn.World),
		"CONTEXT":     contextJSON(turn),
		"NOW_ISO":     turn.Runtime.NowISO,
		"TIMEZONE":    turn.Runtime.Timezone,
		"STATUS":      turn.Runtime.Status,
		"LANGUAGE":    turn.Task.Language,
	})
	if err != nil {
		return err
	}

	emitter.Emit(events.AssistantStreamStart, nil)

	req := loopRequest(rc, graph.StageAnswer, reasoning.DeltaAssistant, []protocol.Message{
		system,
		protocol.NewUserMessage(turn.Task.UserText),
	})
	req.Toolset = nil

	res, err := reasoning.Run(ctx, req)
	if err != nil {
		// Close the stream with whatever streamed before the failure.
		partial := ""
		if res != nil {
			partial = strings.TrimSpace(res.Text)
		}
		emitter.Emit(events.AssistantStreamEnd, events.AssistantStreamEndPayload{TextTotal: partial})
		return err
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		turn.AppendIssue("empty_answer")
	}
	turn.Final.Answer = text

	emitter.Emit(events.AssistantStreamEnd, events.AssistantStreamEndPayload{TextTotal: text})
	return nil
}
