package llms

import (
	"fmt"
	"log/slog"

	"github.com/kadirpekel/thalamus/pkg/config"
	"github.com/kadirpekel/thalamus/pkg/registry"
)

// RoleSet binds each role key to a provider plus its sampling parameters.
// Stages ask for providers by role, never by model name.
type RoleSet struct {
	providers *registry.Registry[Provider]
	params    map[string]Params
}

// NewRoleSet builds providers for every configured role against the
// shared endpoint.
func NewRoleSet(cfg *config.Config, logger *slog.Logger) (*RoleSet, error) {
	rs := &RoleSet{
		providers: registry.New[Provider](),
		params:    make(map[string]Params, len(cfg.RoleModels)),
	}
	for role, mc := range cfg.RoleModels {
		provider := NewOllamaProvider(cfg.ProviderEndpoint, mc.Model, logger)
		if err := rs.providers.Register(role, provider); err != nil {
			return nil, err
		}
		rs.params[role] = Params{
			Model:       mc.Model,
			Temperature: mc.Temperature,
			MaxTokens:   mc.MaxTokens,
			NumCtx:      mc.NumCtx,
		}
	}
	return rs, nil
}

// ForRole returns the provider and parameters for a role key.
func (rs *RoleSet) ForRole(role string) (Provider, Params, error) {
	p, err := rs.providers.Get(role)
	if err != nil {
		return nil, Params{}, fmt.Errorf("llms: %w", err)
	}
	return p, rs.params[role], nil
}

// Roles lists the configured role keys.
func (rs *RoleSet) Roles() []string {
	return rs.providers.Names()
}
