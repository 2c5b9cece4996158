// Package config defines the controller configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Role keys every configuration must cover. Each maps to the model used by
// one or more stages.
const (
	RoleRouter  = "router"
	RolePlanner = "planner"
	RoleReflect = "reflect"
	RoleAnswer  = "answer"
)

var requiredRoles = []string{RoleRouter, RolePlanner, RoleReflect, RoleAnswer}

// Memory store selectors.
const (
	MemoryStoreMCP   = "mcp"
	MemoryStoreLocal = "local"
	MemoryStoreNone  = "none"
)

// Config is the full controller configuration, injected at construction
// time.
type Config struct {
	WorldStatePath  string `yaml:"world_state_path"`
	ChatHistoryPath string `yaml:"chat_history_path"`

	// UserNamespace identifies the memory tenant. It is the only source of
	// the namespace; it is never derived from credentials.
	UserNamespace string `yaml:"user_namespace"`

	ProviderEndpoint string `yaml:"provider_endpoint"`

	RoleModels map[string]ModelConfig `yaml:"role_models"`

	EnabledSkills []string `yaml:"enabled_skills"`

	PromptDir string        `yaml:"prompt_dir"`
	Prompts   PromptsConfig `yaml:"prompts"`

	Limits LimitsConfig `yaml:"limits"`

	Memory  MemoryConfig  `yaml:"memory"`
	History HistoryConfig `yaml:"history"`
	Logging LoggingConfig `yaml:"logging"`

	// Timezone is the IANA zone used for turn timestamps.
	Timezone string `yaml:"timezone"`
}

// ModelConfig selects a model and its sampling parameters for one role.
type ModelConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	NumCtx      int     `yaml:"num_ctx"`
}

// LimitsConfig bounds the executor and the tool loop.
type LimitsConfig struct {
	ContextRounds  int `yaml:"context_rounds"`
	ToolRounds     int `yaml:"tool_rounds"`
	TurnDeadlineMS int `yaml:"turn_deadline_ms"`
	ToolDeadlineMS int `yaml:"tool_deadline_ms"`
	EmitterBuffer  int `yaml:"emitter_buffer"`
}

// MemoryConfig selects and configures the memory store backend.
type MemoryConfig struct {
	// Store is "mcp", "local" or "none".
	Store    string `yaml:"store"`
	Endpoint string `yaml:"endpoint"`
	// LocalPath is the persistence directory for the embedded store.
	LocalPath string `yaml:"local_path"`
	// EmbedModel is the embedding model served by the provider endpoint,
	// used by the local store.
	EmbedModel string `yaml:"embed_model"`
}

// HistoryConfig tunes the chat log.
type HistoryConfig struct {
	// MaxLines caps the JSONL file by line count via copy-compact.
	// Zero disables the cap.
	MaxLines int `yaml:"max_lines"`
}

// PromptsConfig tunes template loading.
type PromptsConfig struct {
	// Cache keeps templates in memory for the process lifetime.
	Cache bool `yaml:"cache"`
	// Watch enables the fsnotify invalidation watcher so cached templates
	// pick up on-disk edits.
	Watch bool `yaml:"watch"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ============================================================================
// Loading
// ============================================================================

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, decodes, defaults and validates a configuration
// file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills zero-valued fields with working defaults.
func (c *Config) SetDefaults() {
	if c.WorldStatePath == "" {
		c.WorldStatePath = "world_state.json"
	}
	if c.ChatHistoryPath == "" {
		c.ChatHistoryPath = "chat_history.jsonl"
	}
	if c.UserNamespace == "" {
		c.UserNamespace = "default"
	}
	if c.ProviderEndpoint == "" {
		c.ProviderEndpoint = "http://localhost:11434"
	}
	if c.PromptDir == "" {
		c.PromptDir = "prompts"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Memory.Store == "" {
		if c.Memory.Endpoint != "" {
			c.Memory.Store = MemoryStoreMCP
		} else {
			c.Memory.Store = MemoryStoreNone
		}
	}
	if c.Memory.EmbedModel == "" {
		c.Memory.EmbedModel = "nomic-embed-text"
	}
	if c.Memory.LocalPath == "" {
		c.Memory.LocalPath = "memory_store"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	c.Limits.SetDefaults()
}

// SetDefaults fills the documented limit defaults.
func (l *LimitsConfig) SetDefaults() {
	if l.ContextRounds == 0 {
		l.ContextRounds = 3
	}
	if l.ToolRounds == 0 {
		l.ToolRounds = 8
	}
	if l.TurnDeadlineMS == 0 {
		l.TurnDeadlineMS = 120000
	}
	if l.ToolDeadlineMS == 0 {
		l.ToolDeadlineMS = 15000
	}
	if l.EmitterBuffer == 0 {
		l.EmitterBuffer = 4096
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if len(c.RoleModels) == 0 {
		return fmt.Errorf("config: role_models is required")
	}
	var missing []string
	for _, role := range requiredRoles {
		mc, ok := c.RoleModels[role]
		if !ok {
			missing = append(missing, role)
			continue
		}
		if mc.Model == "" {
			return fmt.Errorf("config: role_models.%s.model is required", role)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("config: role_models missing roles: %v", missing)
	}

	switch c.Memory.Store {
	case MemoryStoreMCP:
		if c.Memory.Endpoint == "" {
			return fmt.Errorf("config: memory.store=mcp requires memory.endpoint")
		}
	case MemoryStoreLocal, MemoryStoreNone:
	default:
		return fmt.Errorf("config: memory.store must be mcp, local or none, got %q", c.Memory.Store)
	}

	if c.History.MaxLines < 0 {
		return fmt.Errorf("config: history.max_lines must be >= 0")
	}
	return nil
}

// ModelFor returns the model configuration for a role key.
func (c *Config) ModelFor(role string) (ModelConfig, error) {
	mc, ok := c.RoleModels[role]
	if !ok {
		return ModelConfig{}, fmt.Errorf("config: no model configured for role %q", role)
	}
	return mc, nil
}
