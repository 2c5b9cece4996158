// Package tools holds the tool registry and capability firewall: tool
// name → (schema, handler, validator), skill → tool names, and per-stage
// toolset composition from enabled skills ∩ stage allowlist.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/thalamus/pkg/history"
	"github.com/kadirpekel/thalamus/pkg/llms"
	"github.com/kadirpekel/thalamus/pkg/memory"
	"github.com/kadirpekel/thalamus/pkg/world"
)

// HistoryReader is the read-only view of the chat log handed to tools.
type HistoryReader interface {
	Tail(n int, roles ...string) ([]history.Turn, error)
}

// Resources is the bundle every handler receives. World is the turn's
// working copy; mutating it never touches durable storage.
type Resources struct {
	History   HistoryReader
	Memory    memory.Client
	Namespace string
	World     *world.State
}

// HandlerFunc executes one tool call.
type HandlerFunc func(ctx context.Context, args map[string]any, res *Resources) (any, error)

// ValidatorFunc checks a handler result before it is injected back into
// the conversation.
type ValidatorFunc func(result any) error

// Definition is one registered tool.
type Definition struct {
	Name        string
	Description string
	// ArgsSchema is a JSON-schema object for the arguments.
	ArgsSchema any
	Handler    HandlerFunc
	Validator  ValidatorFunc
	// Deadline overrides the loop's default tool deadline when non-zero.
	Deadline time.Duration
}

// Schema returns the provider-facing schema for this tool.
func (d *Definition) Schema() llms.ToolSchema {
	return llms.ToolSchema{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.ArgsSchema,
	}
}

// reflectSchema derives a JSON-schema object from a typed args struct.
// The result is a plain map so it serialises predictably inside provider
// requests.
func reflectSchema(v any) any {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// ============================================================================
// Skills
// ============================================================================

// Skill names. The enabled set is a startup constant from configuration.
const (
	SkillCoreContext = "core_context"
	SkillCoreWorld   = "core_world"
	SkillMemoryRead  = "mcp_memory_read"
	SkillMemoryWrite = "mcp_memory_write"
)

// Skill bundles tool names under a capability name.
type Skill struct {
	Name  string
	Tools []string
}

// builtinSkills is the skill → tools map, the single source of truth.
var builtinSkills = map[string][]string{
	SkillCoreContext: {ToolChatHistoryTail},
	SkillCoreWorld:   {ToolWorldApplyOps},
	SkillMemoryRead:  {ToolMemoryQuery},
	SkillMemoryWrite: {ToolMemoryStore},
}

// SkillTools returns the tool names of a skill.
func SkillTools(name string) ([]string, error) {
	tools, ok := builtinSkills[name]
	if !ok {
		return nil, fmt.Errorf("tools: unknown skill %q", name)
	}
	return tools, nil
}
