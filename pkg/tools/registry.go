package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kadirpekel/thalamus/pkg/llms"
	"github.com/kadirpekel/thalamus/pkg/registry"
)

// Registry maps tool names to definitions and composes per-stage
// toolsets under the firewall.
type Registry struct {
	defs    *registry.Registry[*Definition]
	enabled map[string]bool

	mu    sync.Mutex
	cache map[string]*Toolset
}

// NewRegistry creates a registry with the given enabled skill set and
// registers the builtin tools.
func NewRegistry(enabledSkills []string) *Registry {
	r := &Registry{
		defs:    registry.New[*Definition](),
		enabled: make(map[string]bool, len(enabledSkills)),
		cache:   map[string]*Toolset{},
	}
	for _, s := range enabledSkills {
		r.enabled[s] = true
	}
	return r
}

// Register adds a tool definition.
func (r *Registry) Register(def *Definition) error {
	if def.Handler == nil {
		return fmt.Errorf("tools: %s: nil handler", def.Name)
	}
	if def.ArgsSchema == nil {
		return fmt.Errorf("tools: %s: nil args schema", def.Name)
	}
	return r.defs.Register(def.Name, def)
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	return r.defs.Get(name)
}

// EnabledSkills returns the enabled skill names, sorted.
func (r *Registry) EnabledSkills() []string {
	out := make([]string, 0, len(r.enabled))
	for s := range r.enabled {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Verify asserts that every tool referenced by an enabled skill has a
// registered definition. The controller runs it at startup so wiring
// mistakes fail fast.
func (r *Registry) Verify() error {
	for _, skill := range r.EnabledSkills() {
		toolNames, err := SkillTools(skill)
		if err != nil {
			return err
		}
		for _, name := range toolNames {
			if _, err := r.defs.Get(name); err != nil {
				return fmt.Errorf("tools: skill %s references unregistered tool %s", skill, name)
			}
		}
	}
	return nil
}

// Toolset is the composed capability surface for one stage.
type Toolset struct {
	defs  map[string]*Definition
	names []string
}

// Empty reports whether the toolset offers no tools.
func (ts *Toolset) Empty() bool { return len(ts.defs) == 0 }

// Names returns the tool names, sorted.
func (ts *Toolset) Names() []string { return ts.names }

// Lookup returns the definition for name, or nil when the firewall does
// not admit it.
func (ts *Toolset) Lookup(name string) *Definition {
	return ts.defs[name]
}

// Schemas returns the provider-facing schemas in name order.
func (ts *Toolset) Schemas() []llms.ToolSchema {
	out := make([]llms.ToolSchema, 0, len(ts.names))
	for _, name := range ts.names {
		out = append(out, ts.defs[name].Schema())
	}
	return out
}

// ToolsetFor composes the toolset for a stage's allowed skills:
// the union of tools of allowed ∩ enabled skills. Composition is pure,
// so results are cached per allowlist.
func (r *Registry) ToolsetFor(allowedSkills []string) (*Toolset, error) {
	key := cacheKey(allowedSkills)

	r.mu.Lock()
	if ts, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return ts, nil
	}
	r.mu.Unlock()

	ts := &Toolset{defs: map[string]*Definition{}}
	for _, skill := range allowedSkills {
		if !r.enabled[skill] {
			continue
		}
		toolNames, err := SkillTools(skill)
		if err != nil {
			return nil, err
		}
		for _, name := range toolNames {
			if _, ok := ts.defs[name]; ok {
				continue
			}
			def, err := r.defs.Get(name)
			if err != nil {
				return nil, err
			}
			ts.defs[name] = def
			ts.names = append(ts.names, name)
		}
	}
	sort.Strings(ts.names)

	r.mu.Lock()
	r.cache[key] = ts
	r.mu.Unlock()
	return ts, nil
}

func cacheKey(skills []string) string {
	sorted := append([]string(nil), skills...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
