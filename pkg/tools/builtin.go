package tools

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/thalamus/pkg/world"
)

// Builtin tool names.
const (
	ToolChatHistoryTail = "chat_history_tail"
	ToolMemoryQuery     = "memory_query"
	ToolMemoryStore     = "memory_store"
	ToolWorldApplyOps   = "world_apply_ops"
)

// RegisterBuiltins registers the four builtin tools.
func RegisterBuiltins(r *Registry) error {
	for _, def := range []*Definition{
		chatHistoryTailDef(),
		memoryQueryDef(),
		memoryStoreDef(),
		worldApplyOpsDef(),
	} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// decodeArgs maps loose JSON arguments onto a typed struct. Weak typing
// tolerates the float64 numbers JSON decoding produces.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// ============================================================================
// chat_history_tail
// ============================================================================

type chatHistoryTailArgs struct {
	Limit int      `json:"limit" jsonschema:"description=Number of turns to return"`
	Roles []string `json:"roles,omitempty" jsonschema:"description=Optional role filter (human or assistant)"`
}

func chatHistoryTailDef() *Definition {
	return &Definition{
		Name:        ToolChatHistoryTail,
		Description: "Read the most recent turns of the chat history. Side-effect free.",
		ArgsSchema:  reflectSchema(&chatHistoryTailArgs{}),
		Handler: func(ctx context.Context, args map[string]any, res *Resources) (any, error) {
			var p chatHistoryTailArgs
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			if p.Limit <= 0 {
				p.Limit = 10
			}
			if res.History == nil {
				return map[string]any{"turns": []any{}}, nil
			}
			turns, err := res.History.Tail(p.Limit, p.Roles...)
			if err != nil {
				return nil, err
			}
			return map[string]any{"turns": turns}, nil
		},
	}
}

// ============================================================================
// memory_query
// ============================================================================

type memoryQueryArgs struct {
	Query   string         `json:"query" jsonschema:"required,description=Free-text search query"`
	K       int            `json:"k,omitempty" jsonschema:"description=Maximum number of items"`
	Filters map[string]any `json:"filters,omitempty" jsonschema:"description=Optional metadata filters"`
}

func memoryQueryDef() *Definition {
	return &Definition{
		Name:        ToolMemoryQuery,
		Description: "Search the long-term memory store.",
		ArgsSchema:  reflectSchema(&memoryQueryArgs{}),
		Handler: func(ctx context.Context, args map[string]any, res *Resources) (any, error) {
			var p memoryQueryArgs
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			if p.Query == "" {
				return nil, fmt.Errorf("query is required")
			}
			items, err := res.Memory.Search(ctx, p.Query, p.K, p.Filters)
			if err != nil {
				return nil, err
			}
			return map[string]any{"items": items}, nil
		},
	}
}

// ============================================================================
// memory_store
// ============================================================================

type memoryStoreArgs struct {
	Text string         `json:"text" jsonschema:"required,description=Memory text to persist"`
	Tags []string       `json:"tags,omitempty" jsonschema:"description=Optional tags"`
	Meta map[string]any `json:"meta,omitempty" jsonschema:"description=Optional metadata"`
}

func memoryStoreDef() *Definition {
	return &Definition{
		Name:        ToolMemoryStore,
		Description: "Persist one memory to the long-term store.",
		ArgsSchema:  reflectSchema(&memoryStoreArgs{}),
		Handler: func(ctx context.Context, args map[string]any, res *Resources) (any, error) {
			var p memoryStoreArgs
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			if p.Text == "" {
				return nil, fmt.Errorf("text is required")
			}
			id, err := res.Memory.Store(ctx, p.Text, p.Tags, p.Meta)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": id}, nil
		},
	}
}

// ============================================================================
// world_apply_ops
// ============================================================================

type worldApplyOpsArgs struct {
	Ops []world.Op `json:"ops" jsonschema:"required,description=Mutations to apply (op: set|append|remove)"`
}

func worldApplyOpsDef() *Definition {
	return &Definition{
		Name:        ToolWorldApplyOps,
		Description: "Apply set/append/remove mutations to the turn's working copy of the world. Durable storage is untouched.",
		ArgsSchema:  reflectSchema(&worldApplyOpsArgs{}),
		Handler: func(ctx context.Context, args map[string]any, res *Resources) (any, error) {
			var p worldApplyOpsArgs
			if err := decodeArgs(args, &p); err != nil {
				return nil, err
			}
			if len(p.Ops) == 0 {
				return nil, fmt.Errorf("ops is required")
			}
			if res.World == nil {
				return nil, fmt.Errorf("no world attached to this stage")
			}

			// Apply against a clone so a failing op leaves the working
			// copy untouched.
			work := res.World.Clone()
			if err := world.ApplyOps(work, p.Ops); err != nil {
				return nil, err
			}
			*res.World = *work
			return map[string]any{"world": work}, nil
		},
	}
}
