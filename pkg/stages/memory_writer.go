package stages

import (
	"context"
	"encoding/json"

	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/reasoning"
)

// runMemoryWriter distills the finished exchange into durable memories.
// The model decides what (if anything) is worth keeping and persists it
// through memory_store; an uneventful turn stores nothing.
func runMemoryWriter(ctx context.Context, rc *graph.RunContext) error {
	turn := rc.Turn

	// The reflection note shows which topics just entered or left the
	// rotation; a dropped topic often marks a thread worth distilling.
	shift := "{}"
	if r := turn.Runtime.Reflection; r != nil {
		if data, err := json.Marshal(r); err == nil {
			shift = string(data)
		}
	}

	system, err := renderSystem(rc, "memory_writer", map[string]string{
		"USER_TEXT":   turn.Task.UserText,
		"ANSWER":      turn.Final.Answer,
		"TOPICS":      topicsJSON(turn.World.Topics),
		"TOPIC_SHIFT": shift,
	})
	if err != nil {
		return err
	}

	req := loopRequest(rc, graph.StageMemoryWriter, reasoning.DeltaThinking, []protocol.Message{
		system,
		protocol.NewUserMessage(turn.Task.UserText),
	})

	res, err := reasoning.Run(ctx, req)
	if err != nil {
		return err
	}
	mergeLoopIssues(turn, res)

	stored := 0
	for _, o := range res.Outcomes {
		if o.OK {
			stored++
		} else {
			turn.AppendIssue("memory_store_failed:" + o.Kind)
		}
	}
	rc.Logger.Debug("memory writer finished", "turn_id", turn.Runtime.TurnID, "stored", stored)
	return nil
}
