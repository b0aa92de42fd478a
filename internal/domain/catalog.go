package domain

// ChainDef is a top-level catalog entry describing a reusable named chain:
// an ordered list of engine keys and the blend mode used to combine their
// outputs. ChainDef is the registry-backed, named chain a phase references
// by PhaseSpec.ChainKey.
type ChainDef struct {
	ChainKey    string
	ChainName   string
	Description string
	EngineKeys  []string
	Blend       BlendMode
}

// WorkflowDef is a named, versioned execution plan template: the set of
// phases a planner assembles into a concrete ExecutionPlan for a job.
type WorkflowDef struct {
	WorkflowKey string
	Name        string
	Version     int
	Phases      []PhaseSpec
}

// ViewDef is a registry entry describing one presentable section of a job's
// output: which phase/engine (or chain/scope) supplies its data, how a
// renderer should draw it, and where it sits in the view tree. Views,
// transformation templates, and operationalizations are read-only
// registries per this build's scope — only their retrieval API is
// exercised here, not the authoring tools that produce them.
type ViewDef struct {
	ViewKey             string
	Name                string
	RendererType        string
	RendererConfig      map[string]any
	PresentationStance  string
	Visibility          string // "primary", "secondary", "on_demand"
	Position            int
	ParentViewKey        string
	DataSourcePhase     float64
	DataSourceEngine    string
	DataSourceChainKey  string
	PerWork             bool
	TransformationType  string // "none", "passthrough", "schema_rename", "llm_extract", "llm_summarize", "group_aggregate"
	PlannerEligible     bool
	PlannerGuidance     string
}

// TransformationTemplate is a curated, hand-authored extraction recipe for
// one (engine, renderer type) pair — a quality override over the dynamic
// extraction prompt the presentation bridge composes when no template
// matches.
type TransformationTemplate struct {
	TemplateKey  string
	EngineKey    string
	RendererType string
	Type         string // passthrough, schema_rename, llm_extract, llm_summarize, group_aggregate
	SystemPrompt string
	FieldMap     map[string]string
}

// RegistryKey implementations satisfy registry.Keyed so each catalog entry
// type can be loaded by the generic registry without per-type boilerplate.
func (e CapabilityEngine) RegistryKey() string         { return e.Key }
func (s Stance) RegistryKey() string                   { return s.Key }
func (c ChainDef) RegistryKey() string                 { return c.ChainKey }
func (w WorkflowDef) RegistryKey() string              { return w.WorkflowKey }
func (v ViewDef) RegistryKey() string                  { return v.ViewKey }
func (t TransformationTemplate) RegistryKey() string   { return t.TemplateKey }
