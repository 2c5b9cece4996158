package stages

import (
	"context"
	"encoding/json"

	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/reasoning"
)

// runMemoryRetriever serves one memory request from the context builder.
// Its only capability is reading the memory store; whatever it finds goes
// into the accumulator and control returns to the builder.
func runMemoryRetriever(ctx context.Context, rc *graph.RunContext) error {
	turn := rc.Turn

	request := "{}"
	if turn.Context.MemoryRequest != nil {
		if data, err := json.Marshal(turn.Context.MemoryRequest); err == nil {
			request = string(data)
		}
	}

	system, err := renderSystem(rc, "memory_retriever", map[string]string{
		"USER_TEXT":      turn.Task.UserText,
		"MEMORY_REQUEST": request,
		"CONTEXT":        contextJSON(turn),
	})
	if err != nil {
		return err
	}

	req := loopRequest(rc, graph.StageMemoryRetriever, reasoning.DeltaThinking, []protocol.Message{
		system,
		protocol.NewUserMessage(turn.Task.UserText),
	})

	res, err := reasoning.Run(ctx, req)
	if err != nil {
		return err
	}
	appendEvidence(turn, res.Outcomes)
	mergeLoopIssues(turn, res)

	// The request is consumed; the builder issues a fresh one if it still
	// needs more.
	turn.Context.MemoryRequest = nil
	turn.Context.Next = ""
	return nil
}
