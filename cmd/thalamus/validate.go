package main

import (
	"fmt"
	"sort"

	"github.com/kadirpekel/thalamus/pkg/prompt"
	"github.com/kadirpekel/thalamus/pkg/stages"
	"github.com/kadirpekel/thalamus/pkg/tools"
)

// ValidateCmd checks the configuration, skills and prompt templates
// without touching the network.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(cfg.EnabledSkills)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return err
	}
	if err := registry.Verify(); err != nil {
		return err
	}

	renderer := prompt.NewRenderer(cfg.PromptDir, false)
	if err := renderer.Verify(stages.PromptNames()); err != nil {
		return err
	}

	fmt.Printf("%s: ok\n", cli.Config)
	fmt.Printf("  namespace:  %s\n", cfg.UserNamespace)
	fmt.Printf("  endpoint:   %s\n", cfg.ProviderEndpoint)
	fmt.Printf("  memory:     %s\n", cfg.Memory.Store)

	roles := make([]string, 0, len(cfg.RoleModels))
	for role := range cfg.RoleModels {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Printf("  role %-8s %s\n", role+":", cfg.RoleModels[role].Model)
	}
	fmt.Printf("  skills:     %v\n", registry.EnabledSkills())

	for _, name := range stages.PromptNames() {
		tokens, err := renderer.Tokens(name)
		if err != nil {
			return err
		}
		fmt.Printf("  prompt %-17s %v\n", name+":", tokens)
	}
	return nil
}
