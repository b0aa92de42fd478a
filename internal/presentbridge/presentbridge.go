// Package presentbridge closes the gap between opaque analytical prose and
// the structured shapes renderers want. For each view a job's plan makes
// eligible, it resolves the view's data source, locates the phase outputs
// that satisfy it, finds a curated transformation template or composes a
// dynamic extraction prompt, runs the transformation, and caches the
// result keyed by (output, section) together with a hash of its source
// content.
package presentbridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"basegraph.app/analysisd/common/id"
	"basegraph.app/analysisd/common/llm"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/registry"
	"basegraph.app/analysisd/internal/store"
)

// Caller is the minimal LLM surface the bridge's transformation executor
// needs, with a fast-then-strong fallback chain layered on top of it.
type Caller interface {
	RunEngineCall(ctx context.Context, systemPrompt, userMessage string, opts llm.EngineCallOptions) (*llm.EngineResult, error)
}

// DefaultMaxConcurrency bounds how many transformation tasks run at once.
const DefaultMaxConcurrency = 4

// Bridge maps a job's recommended views to transformation tasks and runs
// them, caching structured results in PresentationCacheStore.
type Bridge struct {
	Catalogs        *registry.Catalogs
	Outputs         *store.PhaseOutputStore
	Cache           *store.PresentationCacheStore
	LLM             Caller
	MaxConcurrency  int
}

// TaskResult records the outcome of one view's transformation, surfaced to
// callers (e.g. the HTTP prepare endpoint) for a per-job summary.
type TaskResult struct {
	ViewKey   string
	Section   string
	Success   bool
	Cached    bool
	ModelUsed string
	Error     string
}

// Summary aggregates a PrepareJob run.
type Summary struct {
	Results   []TaskResult
	Completed int
	Cached    int
	Failed    int
	Skipped   int
}

// task is one resolved (view, output) pair ready for transformation.
type task struct {
	view            domain.ViewDef
	output          *domain.PhaseOutput
	template        *domain.TransformationTemplate
	dynamicPrompt   string
	dynamicType     string
	section         string
	contentOverride string // set when multiple passes were concatenated
}

// PrepareJob resolves every view the plan makes eligible, runs their
// transformations, and caches the results. force=true bypasses the cache
// entirely and re-runs every task, overwriting whatever was cached before.
func (b *Bridge) PrepareJob(ctx context.Context, jobID string, plan domain.ExecutionPlan, force bool) (*Summary, error) {
	if b.Catalogs == nil || b.Catalogs.Views == nil {
		return &Summary{}, nil
	}

	views := RecommendedViews(b.Catalogs, plan)
	var tasks []task
	skipped := 0
	for _, view := range views {
		vtasks, skip, err := b.planView(ctx, jobID, view)
		if err != nil {
			slog.WarnContext(ctx, "presentation bridge: failed to plan view", "view", view.ViewKey, "error", err)
			continue
		}
		tasks = append(tasks, vtasks...)
		skipped += skip
	}

	ceiling := b.MaxConcurrency
	if ceiling <= 0 {
		ceiling = DefaultMaxConcurrency
	}
	sem := make(chan struct{}, ceiling)
	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup

	for i, t := range tasks {
		i, t := i, t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = b.runTask(ctx, t, force)
		}()
	}
	wg.Wait()

	summary := &Summary{Results: results, Skipped: skipped}
	for _, r := range results {
		switch {
		case !r.Success:
			summary.Failed++
		case r.Cached:
			summary.Cached++
			summary.Completed++
		default:
			summary.Completed++
		}
	}
	return summary, nil
}

// RecommendedViews filters the view registry to entries whose data source
// was actually produced by this plan: its phase number (and engine or chain,
// when declared) appears among the plan's phases, and its visibility isn't
// "hidden". There is no separate planner-authored recommendation list in
// this build — eligibility is derived directly from what the plan ran,
// which is the same information a planner-produced list would encode.
func RecommendedViews(cat *registry.Catalogs, plan domain.ExecutionPlan) []domain.ViewDef {
	phaseByNumber := map[float64]domain.PhaseSpec{}
	for _, p := range plan.Phases {
		phaseByNumber[p.PhaseNumber] = p
	}

	var out []domain.ViewDef
	for _, view := range cat.Views.ListAll() {
		if view.Visibility == "hidden" {
			continue
		}
		phase, ok := phaseByNumber[view.DataSourcePhase]
		if !ok {
			continue
		}
		if view.DataSourceEngine != "" && phase.Engine != view.DataSourceEngine {
			continue
		}
		if view.DataSourceChainKey != "" && phase.ChainKey != view.DataSourceChainKey {
			continue
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// planView resolves one view into zero or more transformation tasks: one
// per work unit for a per-work view, one for a whole-corpus view.
func (b *Bridge) planView(ctx context.Context, jobID string, view domain.ViewDef) ([]task, int, error) {
	searchEngines := searchEngineKeys(b.Catalogs, view)

	template := b.findTemplate(searchEngines, view.RendererType)
	var dynamicPrompt, dynamicType string
	if template == nil {
		if view.TransformationType == "none" {
			return nil, 1, nil
		}
		effectiveEngine := view.DataSourceEngine
		if effectiveEngine == "" && len(searchEngines) > 0 {
			effectiveEngine = searchEngines[0]
		}
		dynamicPrompt, dynamicType = composeDynamicExtractionPrompt(b.Catalogs, effectiveEngine, view)
	}

	templateKey := ""
	sectionBase := fmt.Sprintf("dyn:%s:%s", orFirst(view.DataSourceEngine, searchEngines), view.RendererType)
	if template != nil {
		templateKey = template.TemplateKey
		sectionBase = template.TemplateKey
	}

	outputs, err := b.Outputs.ForJobPhase(ctx, jobID, view.DataSourcePhase)
	if err != nil {
		return nil, 0, fmt.Errorf("loading outputs for view %s: %w", view.ViewKey, err)
	}
	if view.DataSourceEngine != "" {
		outputs = filterByEngine(outputs, view.DataSourceEngine)
	}
	if len(outputs) == 0 {
		slog.WarnContext(ctx, "presentation bridge: no outputs for view", "view", view.ViewKey, "phase", view.DataSourcePhase)
		return nil, 0, nil
	}

	if view.PerWork {
		latestByWork := latestPerWork(outputs)
		var tasks []task
		for workKey, out := range latestByWork {
			section := sectionBase
			if workKey != "" {
				section = sectionBase + ":" + workKey
			}
			tasks = append(tasks, task{
				view: view, output: out, template: template,
				dynamicPrompt: dynamicPrompt, dynamicType: dynamicType, section: section,
			})
		}
		return tasks, 0, nil
	}

	latest := latestPass(outputs)
	contentOverride := ""
	if view.DataSourceEngine != "" && view.DataSourceChainKey == "" {
		contentOverride = concatenatePasses(outputs)
	}
	return []task{{
		view: view, output: latest, template: template,
		dynamicPrompt: dynamicPrompt, dynamicType: dynamicType,
		section: sectionBase, contentOverride: contentOverride,
	}}, 0, nil
}

func (b *Bridge) findTemplate(engineKeys []string, rendererType string) *domain.TransformationTemplate {
	if b.Catalogs == nil || b.Catalogs.Transformations == nil {
		return nil
	}
	for _, ek := range engineKeys {
		for _, t := range b.Catalogs.Transformations.ListAll() {
			if t.EngineKey == ek && t.RendererType == rendererType {
				t := t
				return &t
			}
		}
	}
	return nil
}

func searchEngineKeys(cat *registry.Catalogs, view domain.ViewDef) []string {
	if view.DataSourceEngine != "" {
		return []string{view.DataSourceEngine}
	}
	if view.DataSourceChainKey != "" && cat != nil && cat.Chains != nil {
		if chain, ok := cat.Chains.Get(view.DataSourceChainKey); ok {
			return chain.EngineKeys
		}
	}
	return nil
}

func filterByEngine(outputs []*domain.PhaseOutput, engineKey string) []*domain.PhaseOutput {
	var out []*domain.PhaseOutput
	for _, o := range outputs {
		if o.EngineKey == engineKey {
			out = append(out, o)
		}
	}
	return out
}

// latestPerWork returns, for each distinct work key, the output with the
// highest pass number — the same "take the final pass" rule latestPass
// applies to the whole-corpus case.
func latestPerWork(outputs []*domain.PhaseOutput) map[string]*domain.PhaseOutput {
	byWork := map[string]*domain.PhaseOutput{}
	for _, o := range outputs {
		cur, ok := byWork[o.WorkKey]
		if !ok || o.PassNumber > cur.PassNumber {
			byWork[o.WorkKey] = o
		}
	}
	return byWork
}

func latestPass(outputs []*domain.PhaseOutput) *domain.PhaseOutput {
	latest := outputs[0]
	for _, o := range outputs[1:] {
		if o.PassNumber > latest.PassNumber {
			latest = o
		}
	}
	return latest
}

// concatenatePasses joins every pass of a single-engine view into one block
// labeled by pass number, so a multi-pass engine's full prose reaches the
// transformation rather than just its final pass. Returns "" when there's
// only one pass — the normal single-output path applies then.
func concatenatePasses(outputs []*domain.PhaseOutput) string {
	if len(outputs) < 2 {
		return ""
	}
	sorted := append([]*domain.PhaseOutput(nil), outputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PassNumber < sorted[j].PassNumber })

	var parts []string
	for _, o := range sorted {
		if o.Content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## [Pass %d]\n\n%s", o.PassNumber, o.Content))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// runTask executes one task end to end: cache check, transformation
// dispatch, cache write.
func (b *Bridge) runTask(ctx context.Context, t task, force bool) TaskResult {
	content := t.output.Content
	if t.contentOverride != "" {
		content = t.contentOverride
	}

	if !force {
		if cached, err := b.Cache.Get(ctx, t.output.ID, t.section); err == nil {
			if cached.ContentOverride || cached.SourceHash == hashContent(content) {
				return TaskResult{ViewKey: t.view.ViewKey, Section: t.section, Success: true, Cached: true}
			}
		}
	}

	ttype := t.view.TransformationType
	systemPrompt := ""
	var fieldMap map[string]string
	if t.template != nil {
		ttype = t.template.Type
		systemPrompt = t.template.SystemPrompt
		fieldMap = t.template.FieldMap
	} else {
		systemPrompt = t.dynamicPrompt
		if t.dynamicType != "" {
			ttype = t.dynamicType
		}
	}

	payload, modelUsed, err := b.execute(ctx, ttype, content, systemPrompt, fieldMap, t.view.ViewKey)
	if err != nil {
		return TaskResult{ViewKey: t.view.ViewKey, Section: t.section, Success: false, Error: err.Error()}
	}

	entry := &domain.PresentationCacheEntry{
		ID:              id.New(),
		OutputID:        t.output.ID,
		SectionKey:      t.section,
		SourceHash:      hashContent(content),
		ContentOverride: t.contentOverride != "",
		Payload:         payload,
		ModelUsed:       modelUsed,
	}
	if err := b.Cache.Upsert(ctx, entry); err != nil {
		slog.WarnContext(ctx, "presentation bridge: failed to cache transformation", "view", t.view.ViewKey, "section", t.section, "error", err)
	}
	return TaskResult{ViewKey: t.view.ViewKey, Section: t.section, Success: true, ModelUsed: modelUsed}
}

// execute dispatches a single transformation by type. LLM types try a fast
// model first and fall back to a stronger one on failure.
func (b *Bridge) execute(ctx context.Context, ttype, content, systemPrompt string, fieldMap map[string]string, viewKey string) (domain.ViewPayload, string, error) {
	switch ttype {
	case "", "none", "passthrough":
		return domain.ViewPayload{Key: viewKey, Body: content}, "", nil

	case "schema_rename":
		return domain.ViewPayload{Key: viewKey, Body: renameFields(content, fieldMap)}, "", nil

	case "group_aggregate":
		// Aggregation over structured phase output is not yet produced by
		// any engine in this catalog; pass the prose through until one is.
		return domain.ViewPayload{Key: viewKey, Body: content}, "", nil

	case "llm_extract", "llm_summarize":
		return b.runLLMTransform(ctx, ttype, content, systemPrompt, viewKey)

	default:
		return domain.ViewPayload{}, "", fmt.Errorf("unknown transformation type %q", ttype)
	}
}

func (b *Bridge) runLLMTransform(ctx context.Context, ttype, content, systemPrompt, viewKey string) (domain.ViewPayload, string, error) {
	if b.LLM == nil {
		return domain.ViewPayload{}, "", fmt.Errorf("no LLM caller configured")
	}
	userMessage := fmt.Sprintf("# Source Content\n\n%s\n\nProduce the transformation described above.", content)

	for _, hint := range []llm.ModelKey{llm.ModelHaiku, llm.ModelSonnet} {
		result, err := b.LLM.RunEngineCall(ctx, systemPrompt, userMessage, llm.EngineCallOptions{
			ModelHint: hint,
			Label:     fmt.Sprintf("%s:%s", ttype, viewKey),
		})
		if err == nil {
			return domain.ViewPayload{Key: viewKey, Body: stripFences(result.Content)}, result.ModelUsed, nil
		}
		slog.WarnContext(ctx, "presentation bridge: transformation call failed, trying next model", "view", viewKey, "model_hint", hint, "error", err)
	}
	return domain.ViewPayload{}, "", fmt.Errorf("all models failed for view %s", viewKey)
}

// renameFields applies a flat key rename to a single JSON object's top
// level, leaving the value untouched when content isn't a JSON object
// (e.g. raw prose) — schema_rename is meant for already-structured output.
func renameFields(content string, fieldMap map[string]string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return content
	}
	renamed := make(map[string]any, len(obj))
	for k, v := range obj {
		if nk, ok := fieldMap[k]; ok {
			renamed[nk] = v
		} else {
			renamed[k] = v
		}
	}
	out, err := json.Marshal(renamed)
	if err != nil {
		return content
	}
	return string(out)
}

// composeDynamicExtractionPrompt builds an extraction system prompt from an
// engine's own capability metadata plus the view's renderer/stance, used
// when no curated TransformationTemplate matches. It always resolves to
// llm_extract — a curated template is required to get llm_summarize or
// group_aggregate treatment.
func composeDynamicExtractionPrompt(cat *registry.Catalogs, engineKey string, view domain.ViewDef) (string, string) {
	engineName := engineKey
	if cat != nil && cat.Engines != nil {
		if eng, ok := cat.Engines.Get(engineKey); ok {
			engineName = eng.Name
		}
	}
	stance := view.PresentationStance
	if stance == "" {
		stance = "interactive"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are extracting structured data from %q analysis prose to feed a %q renderer.\n\n",
		engineName, view.RendererType)
	b.WriteString("Read the source content and produce ONLY valid JSON (no markdown fences) shaped for that renderer: ")
	b.WriteString(rendererShapeHint(view.RendererType))
	fmt.Fprintf(&b, "\n\nPresentation stance: %s. %s\n", stance, view.PlannerGuidance)
	return b.String(), "llm_extract"
}

func rendererShapeHint(rendererType string) string {
	switch rendererType {
	case "timeline":
		return `a list of {"label": str, "date_or_period": str, "description": str} entries in chronological order`
	case "concept_map":
		return `{"nodes": [{"id": str, "label": str}], "edges": [{"from": str, "to": str, "relation": str}]}`
	case "comparison_table":
		return `{"rows": [{"dimension": str, "values": {engine_or_work: str}}]}`
	case "card_grid":
		return `a list of {"title": str, "summary": str} entries`
	default:
		return "a flat JSON object capturing the prose's key structured claims"
	}
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// SectionBase returns the cache section-key prefix a view resolves to,
// absent any per-work suffix — the same derivation PrepareJob uses to write
// cache rows, exported so the presentation assembler can look the same
// rows back up without re-running template resolution.
func SectionBase(cat *registry.Catalogs, view domain.ViewDef) string {
	engines := searchEngineKeys(cat, view)
	if cat != nil && cat.Transformations != nil {
		for _, ek := range engines {
			for _, t := range cat.Transformations.ListAll() {
				if t.EngineKey == ek && t.RendererType == view.RendererType {
					return t.TemplateKey
				}
			}
		}
	}
	return fmt.Sprintf("dyn:%s:%s", orFirst(view.DataSourceEngine, engines), view.RendererType)
}

func orFirst(primary string, fallback []string) string {
	if primary != "" {
		return primary
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	return "unknown"
}
