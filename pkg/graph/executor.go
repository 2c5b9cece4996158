package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/thalamus/pkg/config"
	"github.com/kadirpekel/thalamus/pkg/events"
	"github.com/kadirpekel/thalamus/pkg/llms"
	"github.com/kadirpekel/thalamus/pkg/observability"
	"github.com/kadirpekel/thalamus/pkg/prompt"
	"github.com/kadirpekel/thalamus/pkg/state"
	"github.com/kadirpekel/thalamus/pkg/tools"
	"github.com/kadirpekel/thalamus/pkg/world"
)

// CommitFunc persists the world after the in-turn mutation, called
// between world_commit and turn_end so a failed durable write can still
// turn the ending into an error.
type CommitFunc func(after *world.State, diff world.Diff) error

// Executor runs the topology over a turn state.
type Executor struct {
	stages    map[string]*StageDef
	roles     *llms.RoleSet
	registry  *tools.Registry
	renderer  *prompt.Renderer
	resources tools.Resources
	limits    config.LimitsConfig
	commit    CommitFunc
	logger    *slog.Logger
}

// NewExecutor wires an executor. resources is the base bundle shared by
// every stage; its World field is replaced per turn with the working
// copy.
func NewExecutor(stages []*StageDef, roles *llms.RoleSet, registry *tools.Registry, renderer *prompt.Renderer, resources tools.Resources, limits config.LimitsConfig, commit CommitFunc, logger *slog.Logger) (*Executor, error) {
	byID := make(map[string]*StageDef, len(stages))
	for _, s := range stages {
		if _, ok := byID[s.ID]; ok {
			return nil, fmt.Errorf("graph: duplicate stage %q", s.ID)
		}
		byID[s.ID] = s
	}
	for _, required := range []string{StageRouter, StageContextBuilder, StageMemoryRetriever, StageWorldModifier, StageAnswer, StageReflectTopics, StageMemoryWriter} {
		if _, ok := byID[required]; !ok {
			return nil, fmt.Errorf("graph: missing stage %q", required)
		}
	}
	return &Executor{
		stages:    byID,
		roles:     roles,
		registry:  registry,
		renderer:  renderer,
		resources: resources,
		limits:    limits,
		commit:    commit,
		logger:    logger,
	}, nil
}

// Verify checks that every loop stage's allowed skills intersect the
// enabled set, and that every stage's role key resolves to a provider.
func (e *Executor) Verify() error {
	for _, s := range e.stages {
		if _, _, err := e.roles.ForRole(s.RoleKey); err != nil {
			return fmt.Errorf("graph: stage %s: %w", s.ID, err)
		}
		if s.ToolsPolicy != ToolsLoop {
			continue
		}
		ts, err := e.registry.ToolsetFor(s.AllowedSkills)
		if err != nil {
			return fmt.Errorf("graph: stage %s: %w", s.ID, err)
		}
		if ts.Empty() {
			e.logger.Warn("loop stage has no admitted tools, runs as no-op tool stage", "stage", s.ID)
		}
	}
	return nil
}

// TurnError is the terminal failure of a turn, mirroring the
// turn_end_error event for in-process callers.
type TurnError struct {
	Reason  string
	Message string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s): %s", e.Reason, e.Message)
}

// RunTurn executes one turn. The emitter must already be attached to the
// turn state. RunTurn emits turn_start first and exactly one
// turn_end_{ok,error} last; the world commit (event + durable write)
// happens immediately before a successful end when the world changed.
// The returned error is a *TurnError matching the terminal event, nil on
// a successful ending.
func (e *Executor) RunTurn(ctx context.Context, turn *state.Turn) error {
	emitter := turn.Emitter()
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.limits.TurnDeadlineMS)*time.Millisecond)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, observability.SpanTurn)
	defer span.End()

	emitter.Emit(events.TurnStart, events.TurnStartPayload{
		UserText: turn.Task.UserText,
		NowISO:   turn.Runtime.NowISO,
		Timezone: turn.Runtime.Timezone,
	})

	preWorld := turn.World.Clone()

	endErr := e.runStages(ctx, turn)
	if endErr != nil {
		emitter.Emit(events.TurnEndError, *endErr)
		return &TurnError{Reason: endErr.Reason, Message: endErr.Message}
	}

	// Commit the world delta before ending the turn.
	diff := world.Compute(preWorld, turn.World)
	if !diff.Empty() {
		emitter.Emit(events.WorldCommit, events.WorldCommitPayload{Diff: events.WorldDiff{
			Added:   diff.Added,
			Removed: diff.Removed,
			Changed: diff.Changed,
		}})
		if e.commit != nil {
			if err := e.commit(turn.World, diff); err != nil {
				e.logger.Error("world commit failed", "turn_id", turn.Runtime.TurnID, "error", err)
				emitter.Emit(events.TurnEndError, events.TurnEndErrorPayload{
					Reason:  events.ReasonInternal,
					Message: "world commit failed: " + err.Error(),
				})
				return &TurnError{Reason: events.ReasonInternal, Message: "world commit failed: " + err.Error()}
			}
		}
	}

	emitter.Emit(events.TurnEndOK, events.TurnEndOKPayload{Summary: events.TurnSummary{
		NodesVisited: nodesVisited(turn),
		DurationMS:   time.Since(started).Milliseconds(),
	}})
	return nil
}

// runStages walks the topology. A nil return means the turn may end ok;
// a non-nil payload is the terminal error to emit.
func (e *Executor) runStages(ctx context.Context, turn *state.Turn) *events.TurnEndErrorPayload {
	contextRounds := 0
	answered := false
	current := StageRouter

	for current != "" {
		if endErr := terminalCtxError(ctx); endErr != nil {
			return endErr
		}

		stage := e.stages[current]
		stageErr := e.runStage(ctx, stage, turn)

		if stageErr != nil {
			if endErr := terminalCtxError(ctx); endErr != nil {
				return endErr
			}
			var pe *panicError
			if errors.As(stageErr, &pe) {
				return &events.TurnEndErrorPayload{Reason: events.ReasonInternal, Message: pe.Error()}
			}
			if current == StageAnswer {
				// The loop could not complete even a formatting pass.
				return &events.TurnEndErrorPayload{Reason: events.ReasonTransport, Message: stageErr.Error()}
			}
			turn.AppendIssue(fmt.Sprintf("stage_error:%s: %v", current, stageErr))
			e.logger.Warn("stage failed, degrading", "stage", current, "error", stageErr)
			turn.Emitter().Emit(events.Log, events.LogPayload{
				Level: "warn", Source: current, Message: stageErr.Error(),
			})
			if !answered {
				// Pre-answer errors skip ahead; the answer stage still
				// receives partial context and the issues.
				current = StageAnswer
				continue
			}
			// Post-answer stage errors only annotate the turn.
		}

		if current == StageAnswer && stageErr == nil {
			answered = true
		}

		current = e.next(current, turn, &contextRounds)
	}
	return nil
}

// next picks the following stage id, or "" at the end of the topology.
func (e *Executor) next(current string, turn *state.Turn, contextRounds *int) string {
	switch current {
	case StageRouter:
		// A non-empty status is a clarification directive: skip context
		// gathering and answer with it.
		if turn.Runtime.Status != "" {
			return StageAnswer
		}
		switch turn.Task.Route {
		case state.RouteContext:
			return StageContextBuilder
		case state.RouteWorld:
			return StageWorldModifier
		default:
			return StageAnswer
		}
	case StageContextBuilder:
		if turn.Context.Next == state.StageNextRetriever && !turn.Context.Complete {
			if *contextRounds >= e.limits.ContextRounds {
				turn.AppendIssue("context_loop_bounded")
				return StageAnswer
			}
			*contextRounds++
			return StageMemoryRetriever
		}
		return StageAnswer
	case StageMemoryRetriever:
		return StageContextBuilder
	case StageWorldModifier:
		return StageAnswer
	case StageAnswer:
		return StageReflectTopics
	case StageReflectTopics:
		return StageMemoryWriter
	default:
		return ""
	}
}

// panicError marks an unhandled stage panic, which is terminal.
type panicError struct {
	stage string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", e.stage, e.value)
}

// runStage wraps one stage in its node span.
func (e *Executor) runStage(ctx context.Context, stage *StageDef, turn *state.Turn) (err error) {
	emitter := turn.Emitter()
	started := time.Now()

	ctx, span := observability.StartSpan(ctx, observability.SpanStage)
	defer func() { observability.EndSpan(span, err) }()

	emitter.Emit(events.NodeStart, events.NodeStartPayload{StageID: stage.ID, RoleKey: stage.RoleKey})
	turn.Trace(stage.ID + ":entered")

	issuesBefore := len(turn.Runtime.Issues)

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{stage: stage.ID, value: r}
		}
		var newIssues []string
		if len(turn.Runtime.Issues) > issuesBefore {
			newIssues = append(newIssues, turn.Runtime.Issues[issuesBefore:]...)
		}
		emitter.Emit(events.NodeEnd, events.NodeEndPayload{
			StageID:    stage.ID,
			OK:         err == nil,
			DurationMS: time.Since(started).Milliseconds(),
			Issues:     newIssues,
		})
		if err == nil {
			turn.Trace(stage.ID + ":committed")
		}
	}()

	rc, err := e.buildRunContext(stage, turn)
	if err != nil {
		return err
	}

	if err := stage.Run(ctx, rc); err != nil {
		return err
	}

	// The world modifier works on a detached copy; adopt it on success.
	if stage.ID == StageWorldModifier && rc.Resources.World != nil {
		turn.World = rc.Resources.World
	}
	return nil
}

func (e *Executor) buildRunContext(stage *StageDef, turn *state.Turn) (*RunContext, error) {
	provider, params, err := e.roles.ForRole(stage.RoleKey)
	if err != nil {
		return nil, err
	}

	var toolset *tools.Toolset
	if stage.ToolsPolicy == ToolsLoop || stage.ToolsPolicy == ToolsPrefill {
		toolset, err = e.registry.ToolsetFor(stage.AllowedSkills)
		if err != nil {
			return nil, err
		}
	}

	resources := e.resources
	if stage.ID == StageWorldModifier {
		resources.World = turn.World.Clone()
	} else {
		resources.World = turn.World
	}

	return &RunContext{
		Turn:      turn,
		Provider:  provider,
		Params:    params,
		Toolset:   toolset,
		Resources: &resources,
		Renderer:  e.renderer,
		Limits:    e.limits,
		Logger:    e.logger,
	}, nil
}

func terminalCtxError(ctx context.Context) *events.TurnEndErrorPayload {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &events.TurnEndErrorPayload{Reason: events.ReasonCancelled, Message: "turn cancelled"}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &events.TurnEndErrorPayload{Reason: events.ReasonDeadline, Message: "turn deadline exceeded"}
	default:
		return nil
	}
}

func nodesVisited(turn *state.Turn) []string {
	var nodes []string
	for _, entry := range turn.Runtime.NodeTrace {
		const suffix = ":committed"
		if len(entry) > len(suffix) && entry[len(entry)-len(suffix):] == suffix {
			nodes = append(nodes, entry[:len(entry)-len(suffix)])
		}
	}
	return nodes
}
