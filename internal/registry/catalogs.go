package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"basegraph.app/analysisd/internal/domain"
)

// Catalogs bundles every registry the planner and execution path consume.
// All six are loaded once at startup from subdirectories of catalogDir and
// held immutable until ReloadAll is called explicitly (e.g. from an admin
// endpoint).
type Catalogs struct {
	Engines        *Registry[domain.CapabilityEngine]
	Stances        *Registry[domain.Stance]
	Chains         *Registry[domain.ChainDef]
	Workflows      *Registry[domain.WorkflowDef]
	Views          *Registry[domain.ViewDef]
	Transformations *Registry[domain.TransformationTemplate]
}

// Load builds all registries from "<catalogDir>/{engines,stances,chains,workflows,views,transformations}".
func Load(catalogDir string) (*Catalogs, error) {
	engines, err := NewRegistry[domain.CapabilityEngine](filepath.Join(catalogDir, "engines"))
	if err != nil {
		return nil, fmt.Errorf("loading engine registry: %w", err)
	}
	stances, err := NewRegistry[domain.Stance](filepath.Join(catalogDir, "stances"))
	if err != nil {
		return nil, fmt.Errorf("loading stance registry: %w", err)
	}
	chains, err := NewRegistry[domain.ChainDef](filepath.Join(catalogDir, "chains"))
	if err != nil {
		return nil, fmt.Errorf("loading chain registry: %w", err)
	}
	workflows, err := NewRegistry[domain.WorkflowDef](filepath.Join(catalogDir, "workflows"))
	if err != nil {
		return nil, fmt.Errorf("loading workflow registry: %w", err)
	}
	views, err := NewRegistry[domain.ViewDef](filepath.Join(catalogDir, "views"))
	if err != nil {
		return nil, fmt.Errorf("loading view registry: %w", err)
	}
	transformations, err := NewRegistry[domain.TransformationTemplate](filepath.Join(catalogDir, "transformations"))
	if err != nil {
		return nil, fmt.Errorf("loading transformation registry: %w", err)
	}
	return &Catalogs{
		Engines: engines, Stances: stances, Chains: chains, Workflows: workflows,
		Views: views, Transformations: transformations,
	}, nil
}

// ReloadAll re-reads every catalog directory, returning the first error
// encountered but still attempting the remaining registries.
func (c *Catalogs) ReloadAll() error {
	var firstErr error
	reloaders := []func() error{
		c.Engines.Reload, c.Stances.Reload, c.Chains.Reload, c.Workflows.Reload,
		c.Views.Reload, c.Transformations.Reload,
	}
	for _, reload := range reloaders {
		if err := reload(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Validate runs the non-fatal startup health check the spec calls for: no
// engine should declare a stance the stance registry doesn't have, and no
// chain should reference an engine the engine registry doesn't have. This
// never blocks startup — findings are logged as warnings so an operator can
// fix catalog drift without a restart loop.
func (c *Catalogs) Validate() []string {
	var warnings []string

	for _, engine := range c.Engines.ListAll() {
		for _, stanceKey := range engine.Stances {
			if _, ok := c.Stances.Get(stanceKey); !ok {
				warnings = append(warnings, fmt.Sprintf("engine %q references unknown stance %q", engine.Key, stanceKey))
			}
		}
	}

	for _, chain := range c.Chains.ListAll() {
		for _, engineKey := range chain.EngineKeys {
			if _, ok := c.Engines.Get(engineKey); !ok {
				warnings = append(warnings, fmt.Sprintf("chain %q references unknown engine %q", chain.ChainKey, engineKey))
			}
		}
	}

	for _, view := range c.Views.ListAll() {
		if view.DataSourceEngine != "" {
			if _, ok := c.Engines.Get(view.DataSourceEngine); !ok {
				warnings = append(warnings, fmt.Sprintf("view %q references unknown engine %q", view.ViewKey, view.DataSourceEngine))
			}
		}
		if view.DataSourceChainKey != "" {
			if _, ok := c.Chains.Get(view.DataSourceChainKey); !ok {
				warnings = append(warnings, fmt.Sprintf("view %q references unknown chain %q", view.ViewKey, view.DataSourceChainKey))
			}
		}
	}

	for _, warning := range warnings {
		slog.Warn("catalog validation finding", "finding", warning)
	}
	return warnings
}
