package stages

import (
	"context"

	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/reasoning"
)

// runWorldModifier lets the planner edit the turn's working copy of the
// world through world_apply_ops. The executor adopts the copy only when
// the stage succeeds; a rejected op surfaces to the model as a tool error
// and to the turn as an issue, never as a stage failure.
func runWorldModifier(ctx context.Context, rc *graph.RunContext) error {
	turn := rc.Turn

	system, err := renderSystem(rc, "world_modifier", map[string]string{
		"USER_TEXT":   turn.Task.UserText,
		"WORLD_STATE": worldJSON(rc.Resources.World),
		"NOW_ISO":     turn.Runtime.NowISO,
	})
	if err != nil {
		return err
	}

	req := loopRequest(rc, graph.StageWorldModifier, reasoning.DeltaThinking, []protocol.Message{
		system,
		protocol.NewUserMessage(turn.Task.UserText),
	})

	res, err := reasoning.Run(ctx, req)
	if err != nil {
		return err
	}
	mergeLoopIssues(turn, res)

	for _, o := range res.Outcomes {
		if !o.OK {
			turn.AppendIssue("world_op_rejected:" + o.Kind)
		}
	}
	return nil
}
