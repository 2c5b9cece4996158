package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/thalamus/pkg/config"
	"github.com/kadirpekel/thalamus/pkg/events"
	"github.com/kadirpekel/thalamus/pkg/history"
)

// fakeOllama scripts one NDJSON reply per model name, standing in for the
// whole provider fleet.
type fakeOllama struct {
	replies map[string][]string // model -> content chunks
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	chunks, ok := f.replies[req.Model]
	if !ok {
		http.Error(w, "unknown model "+req.Model, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, content := range chunks {
		line, _ := json.Marshal(map[string]any{
			"message": map[string]any{"role": "assistant", "content": content},
			"done":    false,
		})
		fmt.Fprintf(w, "%s\n", line)
	}
	fmt.Fprintln(w, `{"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":5}`)
}

var testPrompts = map[string]string{
	"router":           "classify <<USER_TEXT>> given <<WORLD_STATE>> <<NOW_ISO>> <<TIMEZONE>> <<CHAT_TAIL>> <<MEMORY_HINTS>>",
	"context_builder":  "gather for <<USER_TEXT>> <<WORLD_STATE>> <<CONTEXT>> <<NOW_ISO>>",
	"memory_retriever": "retrieve <<MEMORY_REQUEST>> for <<USER_TEXT>> <<CONTEXT>>",
	"world_modifier":   "edit world <<WORLD_STATE>> per <<USER_TEXT>> <<NOW_ISO>>",
	"answer":           "answer <<USER_TEXT>> with <<WORLD_STATE>> <<CONTEXT>> <<NOW_ISO>> <<TIMEZONE>> <<STATUS>> <<LANGUAGE>>",
	"reflect_topics":   "topics after <<USER_TEXT>> and <<ANSWER>>, currently <<TOPICS>>",
	"memory_writer":    "persist from <<USER_TEXT>> and <<ANSWER>>, topics <<TOPICS>>",
}

func newTestController(t *testing.T, replies map[string][]string) *Controller {
	t.Helper()

	server := httptest.NewServer(&fakeOllama{replies: replies})
	t.Cleanup(server.Close)

	dir := t.TempDir()
	promptDir := filepath.Join(dir, "prompts")
	require.NoError(t, os.Mkdir(promptDir, 0o755))
	for name, text := range testPrompts {
		require.NoError(t, os.WriteFile(filepath.Join(promptDir, name+".txt"), []byte(text), 0o644))
	}

	cfg := &config.Config{
		WorldStatePath:   filepath.Join(dir, "world_state.json"),
		ChatHistoryPath:  filepath.Join(dir, "chat_history.jsonl"),
		ProviderEndpoint: server.URL,
		PromptDir:        promptDir,
		Prompts:          config.PromptsConfig{Cache: true},
		RoleModels: map[string]config.ModelConfig{
			config.RoleRouter:  {Model: "m-router"},
			config.RolePlanner: {Model: "m-planner"},
			config.RoleReflect: {Model: "m-reflect"},
			config.RoleAnswer:  {Model: "m-answer"},
		},
		EnabledSkills: []string{"core_context", "core_world", "mcp_memory_read", "mcp_memory_write"},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func collect(t *testing.T, ch <-chan events.TurnEvent) []events.TurnEvent {
	t.Helper()
	var got []events.TurnEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("event stream did not close; got %d events", len(got))
		}
	}
}

func TestSubmitTurn_FullExchange(t *testing.T) {
	c := newTestController(t, map[string][]string{
		"m-router":  {`{"route":"default","language":"en","status":""}`},
		"m-planner": {"nothing durable here"},
		"m-answer":  {"Hello ", "there!"},
		"m-reflect": {`["greeting"]`},
	})

	ch, err := c.SubmitTurn(context.Background(), "hi there")
	require.NoError(t, err)
	evs := collect(t, ch)

	require.NotEmpty(t, evs)
	assert.Equal(t, events.TurnStart, evs[0].Type)
	assert.Equal(t, events.TurnEndOK, evs[len(evs)-1].Type)
	for i, ev := range evs {
		assert.Equal(t, i+1, ev.Seq)
	}

	var deltas string
	sawCommit := false
	for _, ev := range evs {
		switch ev.Type {
		case events.AssistantDelta:
			deltas += ev.Payload.(events.AssistantDeltaPayload).Text
		case events.WorldCommit:
			sawCommit = true
		}
	}
	assert.Equal(t, "Hello there!", deltas)
	assert.True(t, sawCommit, "topic change must commit the world")

	// The exchange is on the durable record.
	turns, err := c.ReadChatTail(2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, history.RoleHuman, turns[0].Role)
	assert.Equal(t, "hi there", turns[0].Content)
	assert.Equal(t, history.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello there!", turns[1].Content)

	// The reflected topics reached the snapshot and the file.
	w := c.World()
	assert.Equal(t, []string{"greeting"}, w.Topics)
	data, err := os.ReadFile(c.cfg.WorldStatePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"greeting"`)
}

func TestSubmitTurn_AnswerFailureKeepsHumanLineOnly(t *testing.T) {
	// No m-answer script: the answer call 404s, which is terminal.
	c := newTestController(t, map[string][]string{
		"m-router":  {`{"route":"default"}`},
		"m-planner": {"ok"},
		"m-reflect": {`[]`},
	})

	ch, err := c.SubmitTurn(context.Background(), "hi")
	require.NoError(t, err)
	evs := collect(t, ch)

	last := evs[len(evs)-1]
	require.Equal(t, events.TurnEndError, last.Type)

	turns, err := c.ReadChatTail(5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, history.RoleHuman, turns[0].Role)
}

func TestSubmitTurn_EmptyText(t *testing.T) {
	c := newTestController(t, map[string][]string{
		"m-router": {`{"route":"default"}`}, "m-planner": {"x"},
		"m-answer": {"y"}, "m-reflect": {`[]`},
	})
	_, err := c.SubmitTurn(context.Background(), "   ")
	require.Error(t, err)
}

func TestSubmitTurn_SerializedTurns(t *testing.T) {
	c := newTestController(t, map[string][]string{
		"m-router":  {`{"route":"default"}`},
		"m-planner": {"ok"},
		"m-answer":  {"reply"},
		"m-reflect": {`[]`},
	})

	ch1, err := c.SubmitTurn(context.Background(), "first")
	require.NoError(t, err)
	ch2, err := c.SubmitTurn(context.Background(), "second")
	require.NoError(t, err)

	collect(t, ch1)
	collect(t, ch2)

	turns, err := c.ReadChatTail(10)
	require.NoError(t, err)
	require.Len(t, turns, 4, "two full exchanges on record")
}
