package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/protocol"
	"github.com/kadirpekel/thalamus/pkg/reasoning"
	"github.com/kadirpekel/thalamus/pkg/state"
	"github.com/kadirpekel/thalamus/pkg/utils"
)

// runReflectTopics recomputes the world's active topic list from the
// exchange that just happened. The model returns a full replacement list;
// an unparseable reply keeps the prior topics.
func runReflectTopics(ctx context.Context, rc *graph.RunContext) error {
	turn := rc.Turn
	before := append([]string(nil), turn.World.Topics...)

	system, err := renderSystem(rc, "reflect_topics", map[string]string{
		"USER_TEXT": turn.Task.UserText,
		"ANSWER":    turn.Final.Answer,
		"TOPICS":    topicsJSON(before),
	})
	if err != nil {
		return err
	}

	req := loopRequest(rc, graph.StageReflectTopics, reasoning.DeltaThinking, []protocol.Message{
		system,
		protocol.NewUserMessage(turn.Task.UserText),
	})
	req.Toolset = nil

	res, err := reasoning.Run(ctx, req)
	if err != nil {
		return err
	}

	topics, perr := parseTopics(res.Text)
	if perr != nil {
		turn.AppendIssue(fmt.Sprintf("reflect_parse_failed: %v", perr))
		turn.Runtime.Reflection = &state.Reflection{TopicsBefore: before, TopicsAfter: before}
		return nil
	}

	turn.World.Topics = topics
	turn.World.Normalize()
	turn.Runtime.Reflection = &state.Reflection{
		TopicsBefore: before,
		TopicsAfter:  append([]string(nil), turn.World.Topics...),
	}
	return nil
}

func topicsJSON(topics []string) string {
	if topics == nil {
		topics = []string{}
	}
	data, err := json.Marshal(topics)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// parseTopics accepts a bare JSON array, an array embedded in prose, or
// an object wrapping one under "topics".
func parseTopics(text string) ([]string, error) {
	raw := utils.ExtractJSONArray(text)
	if raw != "" {
		return decodeTopicList(raw)
	}
	obj := utils.ExtractJSON(text)
	if obj != "" {
		var wrapper struct {
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal([]byte(obj), &wrapper); err == nil && wrapper.Topics != nil {
			return wrapper.Topics, nil
		}
	}
	return nil, fmt.Errorf("no topic list in reply")
}

func decodeTopicList(raw string) ([]string, error) {
	var topics []string
	if err := json.Unmarshal([]byte(raw), &topics); err == nil {
		return topics, nil
	}
	// Tolerate mixed arrays by keeping the string members.
	var loose []any
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return nil, err
	}
	var out []string
	for _, v := range loose {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
