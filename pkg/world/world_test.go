package world

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoad_BootstrapsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world_state.json")

	s, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d", s.SchemaVersion)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("bootstrap did not create file: %v", err)
	}
}

func TestLoad_CorruptResetsToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Project != "" || len(s.Topics) != 0 {
		t.Errorf("expected defaults, got %+v", s)
	}
}

func TestLoad_NormalizesAndWritesBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world_state.json")
	doc := `{"schema_version":1,"topics":["a","b","a","c","d","e","f"],"goals":["g","g"],"rules":[]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(s.Topics, []string{"a", "b", "c", "d", "e"}) {
		t.Errorf("Topics = %v", s.Topics)
	}
	if !reflect.DeepEqual(s.Goals, []string{"g"}) {
		t.Errorf("Goals = %v", s.Goals)
	}

	// The file converges to canonical form.
	reloaded, err := Load(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(reloaded.Topics, s.Topics) {
		t.Errorf("written-back Topics = %v", reloaded.Topics)
	}
}

func TestUnknownKeysSurviveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world_state.json")
	doc := `{"schema_version":1,"topics":[],"goals":[],"rules":[],"custom_field":{"x":1}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(path, s); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	custom, ok := m["custom_field"].(map[string]any)
	if !ok || custom["x"] != float64(1) {
		t.Errorf("custom_field lost: %v", m["custom_field"])
	}
}

func TestSave_StampsUpdatedAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world_state.json")
	s := Defaults()
	if err := Save(path, s); err != nil {
		t.Fatal(err)
	}
	if s.UpdatedAt == "" {
		t.Error("UpdatedAt not stamped")
	}
}

func TestEqual_IgnoresUpdatedAt(t *testing.T) {
	a := Defaults()
	b := Defaults()
	a.UpdatedAt = "2026-01-01T00:00:00Z"
	b.UpdatedAt = "2026-02-02T00:00:00Z"
	if !Equal(a, b) {
		t.Error("states differing only in updated_at should be equal")
	}

	b.Project = "aurora"
	if Equal(a, b) {
		t.Error("states with different projects should not be equal")
	}
}

func TestCompute_Diff(t *testing.T) {
	before := Defaults()
	before.Project = "old"
	after := before.Clone()
	after.Project = "aurora"
	after.Topics = []string{"trip"}

	d := Compute(before, after)
	if d.Empty() {
		t.Fatal("diff should not be empty")
	}
	changed, ok := d.Changed["project"].(map[string]any)
	if !ok || changed["from"] != "old" || changed["to"] != "aurora" {
		t.Errorf("Changed[project] = %v", d.Changed["project"])
	}
	if _, ok := d.Changed["topics"]; !ok {
		t.Errorf("topics change missing: %+v", d)
	}
	if _, ok := d.Changed["updated_at"]; ok {
		t.Error("updated_at must not appear in diff")
	}
}

func TestCompute_NoChange(t *testing.T) {
	s := Defaults()
	if d := Compute(s, s.Clone()); !d.Empty() {
		t.Errorf("diff of clone = %+v", d)
	}
}

func TestClone_PreservesEmptyLists(t *testing.T) {
	c := Defaults().Clone()
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"topics", "goals", "rules"} {
		if m[key] == nil {
			t.Errorf("clone marshals %s as null, want []", key)
		}
	}
	if !Equal(Defaults(), c) {
		t.Error("clone of defaults differs from defaults")
	}
}

func TestClone_Isolated(t *testing.T) {
	s := Defaults()
	s.Topics = []string{"a"}
	c := s.Clone()
	c.Topics[0] = "b"
	c.Project = "x"
	if s.Topics[0] != "a" || s.Project != "" {
		t.Error("Clone shares state with original")
	}
}
