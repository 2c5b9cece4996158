// Package agent assembles the controller: durable state, memory, models,
// tools and the stage graph, behind a small turn-submission API.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/thalamus/pkg/config"
	"github.com/kadirpekel/thalamus/pkg/events"
	"github.com/kadirpekel/thalamus/pkg/graph"
	"github.com/kadirpekel/thalamus/pkg/history"
	"github.com/kadirpekel/thalamus/pkg/llms"
	"github.com/kadirpekel/thalamus/pkg/memory"
	"github.com/kadirpekel/thalamus/pkg/prompt"
	"github.com/kadirpekel/thalamus/pkg/stages"
	"github.com/kadirpekel/thalamus/pkg/state"
	"github.com/kadirpekel/thalamus/pkg/tools"
	"github.com/kadirpekel/thalamus/pkg/world"
)

// Controller owns one user namespace: its world file, chat log, memory
// tenant and the executor that runs turns over them. Turns are
// serialized; a second SubmitTurn waits for the first to finish.
type Controller struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location

	hist     *history.Log
	memory   memory.Client
	executor *graph.Executor
	watcher  *prompt.Watcher

	mu    sync.Mutex
	world *world.State
}

// New builds a controller from configuration. Everything that can fail at
// startup fails here: prompts, skills, role models, stores.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Controller, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("agent: timezone %q: %w", cfg.Timezone, err)
	}

	w, err := world.Load(cfg.WorldStatePath, logger)
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(cfg.ChatHistoryPath, cfg.History.MaxLines)
	if err != nil {
		return nil, err
	}
	mem, err := memory.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	roles, err := llms.NewRoleSet(cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(cfg.EnabledSkills)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	if err := registry.Verify(); err != nil {
		return nil, err
	}

	renderer := prompt.NewRenderer(cfg.PromptDir, cfg.Prompts.Cache)
	if err := renderer.Verify(stages.PromptNames()); err != nil {
		return nil, err
	}
	var watcher *prompt.Watcher
	if cfg.Prompts.Cache && cfg.Prompts.Watch {
		watcher, err = prompt.Watch(renderer, logger)
		if err != nil {
			return nil, err
		}
	}

	c := &Controller{
		cfg:     cfg,
		logger:  logger,
		loc:     loc,
		hist:    hist,
		memory:  mem,
		watcher: watcher,
		world:   w,
	}

	resources := tools.Resources{
		History:   hist,
		Memory:    mem,
		Namespace: cfg.UserNamespace,
	}
	executor, err := graph.NewExecutor(
		stages.Defs(), roles, registry, renderer,
		resources, cfg.Limits, c.commitWorld, logger,
	)
	if err != nil {
		return nil, err
	}
	if err := executor.Verify(); err != nil {
		return nil, err
	}
	c.executor = executor
	return c, nil
}

// SubmitTurn starts one turn and returns its event stream. The channel
// carries the full turn.v1 sequence and closes after the terminal event.
func (c *Controller) SubmitTurn(ctx context.Context, userText string) (<-chan events.TurnEvent, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, fmt.Errorf("agent: empty user text")
	}

	turnID := uuid.NewString()
	emitter := events.NewEmitter(turnID, c.cfg.Limits.EmitterBuffer, c.loc)
	ch := emitter.Subscribe()

	go c.runTurn(ctx, emitter, turnID, userText)
	return ch, nil
}

func (c *Controller) runTurn(ctx context.Context, emitter *events.Emitter, turnID, userText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer emitter.Close()

	// The human line lands before the graph runs: a crashed turn still
	// leaves the question on record.
	if err := c.hist.Append(history.Turn{Role: history.RoleHuman, Content: userText}); err != nil {
		c.logger.Warn("history append failed", "turn_id", turnID, "error", err)
	}

	now := time.Now().In(c.loc).Format(time.RFC3339)
	turn := state.New(turnID, userText, now, c.cfg.Timezone, c.world.Clone())
	turn.AttachEmitter(emitter)
	err := c.executor.RunTurn(ctx, turn)
	turn.DetachEmitter()

	if err != nil {
		c.logger.Warn("turn failed", "turn_id", turnID, "error", err)
		return
	}

	if aerr := c.hist.Append(history.Turn{
		Role:    history.RoleAssistant,
		Content: turn.Final.Answer,
		Meta:    map[string]any{"turn_id": turnID},
	}); aerr != nil {
		c.logger.Warn("history append failed", "turn_id", turnID, "error", aerr)
	}
}

// commitWorld durably saves the post-turn world, retrying the write once.
// On success the controller's snapshot advances; callers run under the
// turn lock.
func (c *Controller) commitWorld(after *world.State, diff world.Diff) error {
	err := world.Save(c.cfg.WorldStatePath, after)
	if err != nil {
		c.logger.Warn("world save failed, retrying", "error", err)
		time.Sleep(100 * time.Millisecond)
		err = world.Save(c.cfg.WorldStatePath, after)
	}
	if err != nil {
		return err
	}
	c.world = after
	return nil
}

// World returns a copy of the current durable world snapshot.
func (c *Controller) World() *world.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.world.Clone()
}

// ReadChatTail returns the newest n history turns, oldest first.
func (c *Controller) ReadChatTail(n int, roles ...string) ([]history.Turn, error) {
	return c.hist.Tail(n, roles...)
}

// Close releases background resources. In-flight turns finish first.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			first = err
		}
	}
	if closer, ok := c.memory.(io.Closer); ok {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
