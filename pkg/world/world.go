// Package world owns the durable world-state document: a small JSON file
// holding the user's standing context (project, topics, goals, rules,
// identity). The schema is append-tolerant: unknown keys survive a
// load/save round trip.
package world

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"
)

// SchemaVersion is the current document version.
const SchemaVersion = 1

// MaxTopics caps the topics list; reflection and normalisation both
// truncate to it.
const MaxTopics = 5

// Identity describes who the controller is talking to and as.
type Identity struct {
	UserName        string `json:"user_name,omitempty"`
	SessionUserName string `json:"session_user_name,omitempty"`
	AgentName       string `json:"agent_name,omitempty"`
	UserLocation    string `json:"user_location,omitempty"`
}

// State is the world document. Known fields are typed; anything else in
// the file is kept in extra and written back untouched.
type State struct {
	SchemaVersion int      `json:"schema_version"`
	UpdatedAt     string   `json:"updated_at"`
	Project       string   `json:"project"`
	Topics        []string `json:"topics"`
	Goals         []string `json:"goals"`
	Rules         []string `json:"rules"`
	Identity      Identity `json:"identity"`
	TZ            string   `json:"tz,omitempty"`

	extra map[string]json.RawMessage
}

var knownKeys = map[string]bool{
	"schema_version": true,
	"updated_at":     true,
	"project":        true,
	"topics":         true,
	"goals":          true,
	"rules":          true,
	"identity":       true,
	"tz":             true,
}

// Defaults returns a fresh default-valued state.
func Defaults() *State {
	return &State{
		SchemaVersion: SchemaVersion,
		Topics:        []string{},
		Goals:         []string{},
		Rules:         []string{},
	}
}

// state mirrors State for plain (un)marshalling without recursion.
type state struct {
	SchemaVersion int      `json:"schema_version"`
	UpdatedAt     string   `json:"updated_at"`
	Project       string   `json:"project"`
	Topics        []string `json:"topics"`
	Goals         []string `json:"goals"`
	Rules         []string `json:"rules"`
	Identity      Identity `json:"identity"`
	TZ            string   `json:"tz,omitempty"`
}

// UnmarshalJSON decodes known fields and stashes the rest.
func (s *State) UnmarshalJSON(data []byte) error {
	var plain state
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = State{
		SchemaVersion: plain.SchemaVersion,
		UpdatedAt:     plain.UpdatedAt,
		Project:       plain.Project,
		Topics:        plain.Topics,
		Goals:         plain.Goals,
		Rules:         plain.Rules,
		Identity:      plain.Identity,
		TZ:            plain.TZ,
	}
	for k, v := range raw {
		if !knownKeys[k] {
			if s.extra == nil {
				s.extra = map[string]json.RawMessage{}
			}
			s.extra[k] = v
		}
	}
	return nil
}

// MarshalJSON writes known fields plus preserved unknown keys.
func (s *State) MarshalJSON() ([]byte, error) {
	plain := state{
		SchemaVersion: s.SchemaVersion,
		UpdatedAt:     s.UpdatedAt,
		Project:       s.Project,
		Topics:        s.Topics,
		Goals:         s.Goals,
		Rules:         s.Rules,
		Identity:      s.Identity,
		TZ:            s.TZ,
	}
	if len(s.extra) == 0 {
		return json.Marshal(plain)
	}
	base, err := json.Marshal(plain)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// cloneList copies a list preserving nil-ness: an empty list stays an
// empty list, which keeps a clone JSON-identical to its source.
func cloneList(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := *s
	out.Topics = cloneList(s.Topics)
	out.Goals = cloneList(s.Goals)
	out.Rules = cloneList(s.Rules)
	if s.extra != nil {
		out.extra = make(map[string]json.RawMessage, len(s.extra))
		for k, v := range s.extra {
			out.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// Normalize dedupes the list fields (exact match, order preserved),
// truncates topics to MaxTopics and fixes the schema version. Returns
// whether anything changed.
func (s *State) Normalize() bool {
	changed := false
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
		changed = true
	}
	for _, list := range []*[]string{&s.Topics, &s.Goals, &s.Rules} {
		if *list == nil {
			*list = []string{}
			changed = true
			continue
		}
		deduped := dedupe(*list)
		if len(deduped) != len(*list) {
			*list = deduped
			changed = true
		}
	}
	if len(s.Topics) > MaxTopics {
		s.Topics = s.Topics[:MaxTopics]
		changed = true
	}
	return changed
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// ============================================================================
// Persistence
// ============================================================================

// Load reads the world file. A missing file bootstraps defaults on disk;
// an unparseable or non-object file resets to defaults with a warning.
// The loaded state is normalised and written back when normalisation
// changed it, so the file converges to canonical form.
func Load(path string, logger *slog.Logger) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s := Defaults()
		if err := Save(path, s); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("world: read %s: %w", path, err)
	}

	s := Defaults()
	if err := json.Unmarshal(data, s); err != nil {
		logger.Warn("world state unreadable, resetting to defaults", "path", path, "error", err)
		s = Defaults()
		if err := Save(path, s); err != nil {
			return nil, err
		}
		return s, nil
	}

	if s.Normalize() {
		if err := Save(path, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Save writes the state atomically: temp file in the same directory,
// then rename. UpdatedAt is stamped on every save.
func Save(path string, s *State) error {
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("world: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".world-*.tmp")
	if err != nil {
		return fmt.Errorf("world: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("world: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("world: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("world: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("world: rename: %w", err)
	}
	return nil
}

// ============================================================================
// Comparison
// ============================================================================

// asMap renders the state as a generic JSON object with updated_at
// stripped, the shape Equal and Diff compare on.
func asMap(s *State) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	delete(m, "updated_at")
	return m
}

// Equal reports deep equality ignoring updated_at.
func Equal(a, b *State) bool {
	return reflect.DeepEqual(asMap(a), asMap(b))
}

// Diff is a top-level key delta between two states.
type Diff struct {
	Added   map[string]any `json:"added"`
	Removed map[string]any `json:"removed"`
	Changed map[string]any `json:"changed"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compute builds the delta from before to after, ignoring updated_at.
// Changed entries carry {"from": old, "to": new}.
func Compute(before, after *State) Diff {
	bm, am := asMap(before), asMap(after)
	d := Diff{
		Added:   map[string]any{},
		Removed: map[string]any{},
		Changed: map[string]any{},
	}
	for k, av := range am {
		bv, ok := bm[k]
		if !ok {
			d.Added[k] = av
			continue
		}
		if !reflect.DeepEqual(bv, av) {
			d.Changed[k] = map[string]any{"from": bv, "to": av}
		}
	}
	for k, bv := range bm {
		if _, ok := am[k]; !ok {
			d.Removed[k] = bv
		}
	}
	return d
}
