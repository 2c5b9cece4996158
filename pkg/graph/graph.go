// Package graph drives the fixed conditional topology of stages through
// one turn: router first, then context assembly or world editing, then
// answer, reflection and memory persistence.
package graph

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/thalamus/pkg/config"
	"github.com/kadirpekel/thalamus/pkg/llms"
	"github.com/kadirpekel/thalamus/pkg/prompt"
	"github.com/kadirpekel/thalamus/pkg/state"
	"github.com/kadirpekel/thalamus/pkg/tools"
)

// Stage ids of the fixed topology.
const (
	StageRouter          = "router"
	StageContextBuilder  = "context_builder"
	StageMemoryRetriever = "memory_retriever"
	StageWorldModifier   = "world_modifier"
	StageAnswer          = "answer"
	StageReflectTopics   = "reflect_topics"
	StageMemoryWriter    = "memory_writer"
)

// Tools policies.
const (
	ToolsDisabled = "disabled"
	ToolsPrefill  = "prefill"
	ToolsLoop     = "loop"
)

// RunContext is everything one stage invocation receives.
type RunContext struct {
	Turn      *state.Turn
	Provider  llms.Provider
	Params    llms.Params
	Toolset   *tools.Toolset
	Resources *tools.Resources
	Renderer  *prompt.Renderer
	Limits    config.LimitsConfig
	Logger    *slog.Logger
}

// StageDef declares one stage: its role, capability surface and
// behaviour. Run mutates only the turn fields the stage owns.
type StageDef struct {
	ID            string
	RoleKey       string
	PromptName    string
	ToolsPolicy   string
	AllowedSkills []string
	Run           func(ctx context.Context, rc *RunContext) error
}
