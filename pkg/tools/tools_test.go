package tools

import (
	"context"
	"testing"

	"github.com/kadirpekel/thalamus/pkg/history"
	"github.com/kadirpekel/thalamus/pkg/memory"
	"github.com/kadirpekel/thalamus/pkg/world"
)

type fakeHistory struct {
	turns []history.Turn
}

func (f *fakeHistory) Tail(n int, roles ...string) ([]history.Turn, error) {
	if len(f.turns) > n {
		return f.turns[len(f.turns)-n:], nil
	}
	return f.turns, nil
}

func allSkills() []string {
	return []string{SkillCoreContext, SkillCoreWorld, SkillMemoryRead, SkillMemoryWrite}
}

func newTestRegistry(t *testing.T, enabled []string) *Registry {
	t.Helper()
	r := NewRegistry(enabled)
	if err := RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestVerify(t *testing.T) {
	r := newTestRegistry(t, allSkills())
	if err := r.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	bad := NewRegistry([]string{"nonexistent_skill"})
	if err := bad.Verify(); err == nil {
		t.Error("Verify() expected error for unknown skill")
	}
}

func TestToolsetFor_FirewallIntersection(t *testing.T) {
	r := newTestRegistry(t, []string{SkillCoreContext, SkillMemoryRead})

	ts, err := r.ToolsetFor([]string{SkillMemoryRead, SkillMemoryWrite})
	if err != nil {
		t.Fatalf("ToolsetFor() error = %v", err)
	}

	if ts.Lookup(ToolMemoryQuery) == nil {
		t.Error("memory_query should be admitted")
	}
	if ts.Lookup(ToolMemoryStore) != nil {
		t.Error("memory_store must be blocked: skill not enabled")
	}
	if ts.Lookup(ToolChatHistoryTail) != nil {
		t.Error("chat_history_tail must be blocked: skill not allowed for stage")
	}
}

func TestToolsetFor_Cached(t *testing.T) {
	r := newTestRegistry(t, allSkills())
	a, err := r.ToolsetFor([]string{SkillCoreWorld, SkillCoreContext})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.ToolsetFor([]string{SkillCoreContext, SkillCoreWorld})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("toolset composition should be cached regardless of skill order")
	}
}

func TestToolsetFor_EmptyWhenNothingEnabled(t *testing.T) {
	r := newTestRegistry(t, nil)
	ts, err := r.ToolsetFor([]string{SkillCoreContext})
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Empty() {
		t.Errorf("toolset = %v, want empty", ts.Names())
	}
}

func TestSchemas(t *testing.T) {
	r := newTestRegistry(t, allSkills())
	ts, err := r.ToolsetFor(allSkills())
	if err != nil {
		t.Fatal(err)
	}
	schemas := ts.Schemas()
	if len(schemas) != 4 {
		t.Fatalf("got %d schemas, want 4", len(schemas))
	}
	for _, s := range schemas {
		if s.Name == "" || s.Parameters == nil {
			t.Errorf("schema = %+v", s)
		}
		obj, ok := s.Parameters.(map[string]any)
		if !ok || obj["type"] != "object" {
			t.Errorf("schema %s parameters = %v, want object schema", s.Name, s.Parameters)
		}
	}
}

func TestChatHistoryTail(t *testing.T) {
	r := newTestRegistry(t, allSkills())
	def, err := r.Get(ToolChatHistoryTail)
	if err != nil {
		t.Fatal(err)
	}

	res := &Resources{History: &fakeHistory{turns: []history.Turn{
		{Role: history.RoleHuman, Content: "one"},
		{Role: history.RoleAssistant, Content: "two"},
		{Role: history.RoleHuman, Content: "three"},
	}}}

	out, err := def.Handler(context.Background(), map[string]any{"limit": float64(2)}, res)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	turns := out.(map[string]any)["turns"].([]history.Turn)
	if len(turns) != 2 || turns[1].Content != "three" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestMemoryTools_Noop(t *testing.T) {
	r := newTestRegistry(t, allSkills())
	res := &Resources{Memory: memory.NewNoop(), Namespace: "default"}

	query, err := r.Get(ToolMemoryQuery)
	if err != nil {
		t.Fatal(err)
	}
	out, err := query.Handler(context.Background(), map[string]any{"query": "trip"}, res)
	if err != nil {
		t.Fatalf("memory_query error = %v", err)
	}
	items := out.(map[string]any)["items"].([]memory.Item)
	if len(items) != 0 {
		t.Errorf("items = %v", items)
	}

	if _, err := query.Handler(context.Background(), map[string]any{}, res); err == nil {
		t.Error("memory_query without query should fail")
	}

	store, err := r.Get(ToolMemoryStore)
	if err != nil {
		t.Fatal(err)
	}
	out, err = store.Handler(context.Background(), map[string]any{"text": "note"}, res)
	if err != nil {
		t.Fatalf("memory_store error = %v", err)
	}
	if id := out.(map[string]any)["id"].(string); id != "" {
		t.Errorf("id = %q, want empty from noop store", id)
	}
}

func TestWorldApplyOps(t *testing.T) {
	r := newTestRegistry(t, allSkills())
	def, err := r.Get(ToolWorldApplyOps)
	if err != nil {
		t.Fatal(err)
	}

	w := world.Defaults()
	res := &Resources{World: w}

	args := map[string]any{
		"ops": []any{
			map[string]any{"op": "set", "path": "project", "value": "aurora"},
			map[string]any{"op": "append", "path": "topics", "value": "launch"},
		},
	}
	out, err := def.Handler(context.Background(), args, res)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if w.Project != "aurora" || len(w.Topics) != 1 {
		t.Errorf("working copy not updated: %+v", w)
	}
	returned := out.(map[string]any)["world"].(*world.State)
	if returned.Project != "aurora" {
		t.Errorf("returned world = %+v", returned)
	}
}

func TestWorldApplyOps_ForbiddenPathLeavesCopyUntouched(t *testing.T) {
	r := newTestRegistry(t, allSkills())
	def, _ := r.Get(ToolWorldApplyOps)

	w := world.Defaults()
	w.Project = "before"
	res := &Resources{World: w}

	args := map[string]any{
		"ops": []any{
			map[string]any{"op": "set", "path": "project", "value": "after"},
			map[string]any{"op": "set", "path": "secrets", "value": "x"},
		},
	}
	if _, err := def.Handler(context.Background(), args, res); err == nil {
		t.Fatal("expected forbidden path error")
	}
	if w.Project != "before" {
		t.Errorf("working copy mutated by failing call: %+v", w)
	}
}
