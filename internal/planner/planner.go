// Package planner turns a plan request into a fully populated
// ExecutionPlan, in one of two modes: a fixed-workflow mode that layers LLM
// overrides atop a named workflow template, and an adaptive mode that
// samples the corpus first and builds a bespoke plan from scratch.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"basegraph.app/analysisd/common/id"
	"basegraph.app/analysisd/common/llm"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/registry"
	"basegraph.app/analysisd/internal/sampler"
)

// Caller is the minimal LLM surface the planner needs.
type Caller interface {
	RunEngineCall(ctx context.Context, systemPrompt, userMessage string, opts llm.EngineCallOptions) (*llm.EngineResult, error)
}

// AuthError surfaces as a service-unavailable condition to HTTP callers.
type AuthError struct{ err error }

func (e *AuthError) Error() string { return e.err.Error() }
func (e *AuthError) Unwrap() error { return e.err }

// BadResponseError wraps a malformed-JSON plan response, carrying the first
// 200 characters of the raw model output for diagnostics.
type BadResponseError struct {
	Snippet string
	err     error
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("malformed plan response: %v (first 200 chars: %q)", e.err, e.Snippet)
}
func (e *BadResponseError) Unwrap() error { return e.err }

// WorkMeta describes one work (target or prior) in a plan request.
type WorkMeta struct {
	DocID            string
	Title            string
	Author           string
	Year             int
	Description      string
	RelationshipHint string
	Text             string // full text, used only for adaptive-mode sampling
}

// Request is everything a caller supplies to generate a plan.
type Request struct {
	ThinkerName      string
	TargetWork       WorkMeta
	PriorWorks       []WorkMeta
	ResearchQuestion string
	DepthPreference  string
	FocusHint        string
	// Objective, when non-empty, selects adaptive mode over fixed-workflow
	// mode: the plan is built from corpus samples and a decision trace
	// rather than laid atop a named workflow template.
	Objective   string
	WorkflowKey string // fixed-workflow mode only; defaults to "default"
}

// Planner generates ExecutionPlans in either mode.
type Planner struct {
	LLM      Caller
	Catalogs *registry.Catalogs
	Sampler  *sampler.Sampler
}

// Generate dispatches to fixed-workflow or adaptive mode based on whether
// Objective is set.
func (p *Planner) Generate(ctx context.Context, req Request) (*domain.ExecutionPlan, error) {
	if req.Objective != "" {
		return p.generateAdaptive(ctx, req)
	}
	return p.generateFixed(ctx, req)
}

const fixedSystemPrompt = `You are a research strategist planning a multi-phase analytical workflow.

You have access to a CAPABILITY CATALOG describing available analytical engines, chains, and stances, plus a WORKFLOW TEMPLATE naming the phases a standard run executes. Your job is to decide, per phase: whether to skip it, what depth to run it at, which engines to emphasize and why, and what context to carry between phases.

Return ONLY valid JSON (no markdown fences) matching:
{
  "strategy_summary": "2-3 paragraphs explaining the overall approach",
  "phases": [
    {
      "phase_number": 1.0,
      "skip": false,
      "depth": "surface|standard|deep",
      "supplementary_chains": ["chain_key", ...],
      "max_context_chars_override": 150000,
      "context_emphasis": "what to emphasize when threading context forward",
      "rationale": "why these choices fit this request"
    }
  ],
  "estimated_llm_calls": 30
}`

func (p *Planner) generateFixed(ctx context.Context, req Request) (*domain.ExecutionPlan, error) {
	workflowKey := req.WorkflowKey
	if workflowKey == "" {
		workflowKey = "default"
	}
	template, ok := p.Catalogs.Workflows.Get(workflowKey)
	if !ok {
		return nil, fmt.Errorf("unknown workflow template %q", workflowKey)
	}

	catalogText := p.catalogText()
	userPrompt := buildFixedUserPrompt(req, template, catalogText)

	overrides, err := p.callForOverrides(ctx, fixedSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	phases := make([]domain.PhaseSpec, 0, len(template.Phases))
	for _, base := range template.Phases {
		phase := base
		if ov, ok := overrides.byPhase[base.PhaseNumber]; ok {
			if ov.skip {
				continue
			}
			if ov.depth != "" {
				phase.DepthKey = ov.depth
			}
			if len(ov.supplementaryChains) > 0 {
				phase.SupplementaryChainKeys = ov.supplementaryChains
			}
			if ov.maxContextOverride > 0 {
				phase.MaxChars = ov.maxContextOverride
			}
		}
		phases = append(phases, phase)
	}

	return &domain.ExecutionPlan{
		PlanID: fmt.Sprintf("plan_%d", id.New()),
		Phases: phases,
	}, nil
}

const adaptiveSystemPrompt = `You are a research strategist constructing a bespoke analytical pipeline from scratch.

You have access to a CAPABILITY CATALOG (engines, chains, stances) and a set of CORPUS SAMPLES profiling each work's genre, style, and per-category engine affinities. Your job is to assemble a complete ExecutionPlan tailored to the stated objective, and to justify every selected or rejected engine against the evidence in the samples or the objective itself — this justification is the decision trace.

Return ONLY valid JSON (no markdown fences) matching:
{
  "strategy_summary": "2-3 paragraphs",
  "phases": [
    {
      "phase_number": 1.0,
      "name": "phase name",
      "depends_on_phases": [],
      "chain_key": "chain_key or empty",
      "engine_key": "engine_key or empty (exactly one of chain_key/engine_key)",
      "per_work": false,
      "depth": "surface|standard|deep",
      "supplementary_chains": [],
      "rationale": "decision trace: why this engine/chain, citing sample evidence or objective"
    }
  ],
  "decision_trace": ["engine_key: selected/rejected because ..."],
  "estimated_llm_calls": 30
}`

func (p *Planner) generateAdaptive(ctx context.Context, req Request) (*domain.ExecutionPlan, error) {
	if p.Sampler == nil {
		return nil, fmt.Errorf("adaptive mode requires a sampler")
	}

	works := make([]sampler.WorkInput, 0, len(req.PriorWorks)+1)
	works = append(works, sampler.WorkInput{Title: req.TargetWork.Title, Text: req.TargetWork.Text, Role: "target"})
	for _, pw := range req.PriorWorks {
		works = append(works, sampler.WorkInput{Title: pw.Title, Text: pw.Text, Role: "prior_work"})
	}
	samples := p.Sampler.SampleAll(ctx, works)

	catalogText := p.catalogText()
	userPrompt := buildAdaptiveUserPrompt(req, samples, catalogText)

	raw, err := p.call(ctx, adaptiveSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Phases []struct {
			PhaseNumber         float64   `json:"phase_number"`
			Name                string    `json:"name"`
			DependsOn           []float64 `json:"depends_on_phases"`
			ChainKey            string    `json:"chain_key"`
			EngineKey           string    `json:"engine_key"`
			PerWork             bool      `json:"per_work"`
			Depth               string    `json:"depth"`
			SupplementaryChains []string  `json:"supplementary_chains"`
		} `json:"phases"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &BadResponseError{Snippet: snippet(raw, 200), err: err}
	}

	phases := make([]domain.PhaseSpec, 0, len(parsed.Phases))
	for _, ph := range parsed.Phases {
		if ph.ChainKey == "" && ph.EngineKey == "" {
			slog.WarnContext(ctx, "adaptive plan phase names neither chain nor engine, skipping", "phase", ph.PhaseNumber)
			continue
		}
		if ph.ChainKey != "" && ph.EngineKey != "" {
			slog.WarnContext(ctx, "adaptive plan phase names both chain and engine, preferring chain", "phase", ph.PhaseNumber)
			ph.EngineKey = ""
		}
		phases = append(phases, domain.PhaseSpec{
			PhaseNumber:            ph.PhaseNumber,
			Name:                   ph.Name,
			DependsOn:              ph.DependsOn,
			ChainKey:               ph.ChainKey,
			Engine:                 ph.EngineKey,
			PerWork:                ph.PerWork,
			DepthKey:               orDefault(ph.Depth, "standard"),
			SupplementaryChainKeys: ph.SupplementaryChains,
		})
	}

	return &domain.ExecutionPlan{
		PlanID: fmt.Sprintf("plan_%d", id.New()),
		Phases: phases,
	}, nil
}

type phaseOverride struct {
	skip                bool
	depth               string
	supplementaryChains []string
	maxContextOverride  int
}

type overrideSet struct {
	byPhase map[float64]phaseOverride
}

func (p *Planner) callForOverrides(ctx context.Context, systemPrompt, userPrompt string) (*overrideSet, error) {
	raw, err := p.call(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Phases []struct {
			PhaseNumber         float64  `json:"phase_number"`
			Skip                bool     `json:"skip"`
			Depth               string   `json:"depth"`
			SupplementaryChains []string `json:"supplementary_chains"`
			MaxContextOverride  int      `json:"max_context_chars_override"`
		} `json:"phases"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &BadResponseError{Snippet: snippet(raw, 200), err: err}
	}

	set := &overrideSet{byPhase: map[float64]phaseOverride{}}
	for _, ph := range parsed.Phases {
		set.byPhase[ph.PhaseNumber] = phaseOverride{
			skip:                ph.Skip,
			depth:               ph.Depth,
			supplementaryChains: ph.SupplementaryChains,
			maxContextOverride:  ph.MaxContextOverride,
		}
	}
	return set, nil
}

// call runs the planning LLM call and strips wrapping markdown fences; an
// authentication failure from the underlying call surfaces as AuthError so
// the HTTP layer can report service-unavailable.
func (p *Planner) call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	result, err := p.LLM.RunEngineCall(ctx, systemPrompt, userPrompt, llm.EngineCallOptions{
		ModelHint: llm.ModelSonnet,
		Label:     "planner",
	})
	if err != nil {
		if isAuthFailure(err) {
			return "", &AuthError{err: err}
		}
		return "", fmt.Errorf("plan generation call failed: %w", err)
	}
	return stripFences(result.Content), nil
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication") || strings.Contains(msg, "invalid_api_key")
}

func (p *Planner) catalogText() string {
	var b strings.Builder
	b.WriteString("# CAPABILITY CATALOG\n\n## Engines\n")
	for _, e := range p.Catalogs.Engines.ListAll() {
		fmt.Fprintf(&b, "- %s (%s): stances=%v\n", e.Key, e.Name, e.Stances)
	}
	b.WriteString("\n## Chains\n")
	for _, c := range p.Catalogs.Chains.ListAll() {
		fmt.Fprintf(&b, "- %s (%s): engines=%v blend=%s\n", c.ChainKey, c.ChainName, c.EngineKeys, c.Blend)
	}
	b.WriteString("\n## Stances\n")
	for _, s := range p.Catalogs.Stances.ListAll() {
		fmt.Fprintf(&b, "- %s (%s)\n", s.Key, s.Name)
	}
	return b.String()
}

func buildFixedUserPrompt(req Request, template domain.WorkflowDef, catalogText string) string {
	var b strings.Builder
	b.WriteString(catalogText)
	fmt.Fprintf(&b, "\n## Workflow Template: %s (v%d)\n", template.Name, template.Version)
	for _, ph := range template.Phases {
		fmt.Fprintf(&b, "- phase %v: %s (chain=%s engine=%s)\n", ph.PhaseNumber, ph.Name, ph.ChainKey, ph.Engine)
	}
	b.WriteString(requestSection(req))
	b.WriteString("\nNow produce the phase overrides JSON for this request.")
	return b.String()
}

func buildAdaptiveUserPrompt(req Request, samples []sampler.BookSample, catalogText string) string {
	var b strings.Builder
	b.WriteString(catalogText)
	b.WriteString("\n## Corpus Samples\n")
	for _, s := range samples {
		fmt.Fprintf(&b, "- %s (%s): genre=%s domain=%s style=%s technical=%s affinities=%v\n",
			s.Title, s.Role, s.Genre, s.Domain, s.ArgumentativeStyle, s.TechnicalLevel, s.EngineCategoryAffinities)
	}
	b.WriteString(requestSection(req))
	fmt.Fprintf(&b, "\n## Objective\n%s\n", req.Objective)
	b.WriteString("\nNow produce the complete ExecutionPlan JSON for this request, with a decision trace for every engine selection or rejection.")
	return b.String()
}

func requestSection(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n---\n\n# ANALYSIS REQUEST\n\n## Thinker: %s\n\n", req.ThinkerName)
	fmt.Fprintf(&b, "## Target Work: %s\n", req.TargetWork.Title)
	if req.TargetWork.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", req.TargetWork.Author)
	}
	if req.TargetWork.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", req.TargetWork.Description)
	}
	if len(req.PriorWorks) > 0 {
		fmt.Fprintf(&b, "\n## Prior Works (%d total)\n", len(req.PriorWorks))
		for i, pw := range req.PriorWorks {
			fmt.Fprintf(&b, "%d. %s", i+1, pw.Title)
			if pw.RelationshipHint != "" {
				fmt.Fprintf(&b, " (relationship hint: %s)", pw.RelationshipHint)
			}
			b.WriteString("\n")
		}
	}
	if req.ResearchQuestion != "" {
		fmt.Fprintf(&b, "\n## Research Question\n%s\n", req.ResearchQuestion)
	}
	if req.DepthPreference != "" {
		fmt.Fprintf(&b, "\n## User Depth Preference: %s\n", req.DepthPreference)
	}
	if req.FocusHint != "" {
		fmt.Fprintf(&b, "\n## Focus Hint: %s\n", req.FocusHint)
	}
	return b.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
