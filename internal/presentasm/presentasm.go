// Package presentasm assembles the render-ready view tree a consumer asks
// for: it joins each recommended view's definition with whatever the
// presentation bridge cached for it, falling back to raw prose when no
// transformation has run yet, and arranges the result into a positioned
// parent-child tree.
package presentasm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"basegraph.app/analysisd/common/llm"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/presentbridge"
	"basegraph.app/analysisd/internal/registry"
	"basegraph.app/analysisd/internal/store"
)

// Caller is the minimal LLM surface the view refiner needs.
type Caller interface {
	RunEngineCall(ctx context.Context, systemPrompt, userMessage string, opts llm.EngineCallOptions) (*llm.EngineResult, error)
}

// Assembler joins view definitions, the presentation cache, and raw phase
// outputs into ViewPayload trees, and runs the post-execution view
// refinement pass.
type Assembler struct {
	Catalogs    *registry.Catalogs
	Outputs     *store.PhaseOutputStore
	Cache       *store.PresentationCacheStore
	Refinements *store.ViewRefinementStore
	LLM         Caller
}

// Page is the top-level payload returned to a consumer for one job.
type Page struct {
	JobID             string
	PlanID            string
	Views             []domain.ViewPayload
	ViewCount         int
	ExecutionSummary  domain.JobProgress
	RefinementApplied bool
	RefinementSummary string
}

// AssemblePage builds the complete page for a job. When a ViewRefinement
// exists for the job, its payloads are used directly instead of rebuilding
// from the cache/outputs — refinement runs once, over the fully assembled
// set, and its output supersedes a fresh per-view build. slim strips every
// payload's prose body, leaving only the heading tree.
func (a *Assembler) AssemblePage(ctx context.Context, job *domain.Job, plan domain.ExecutionPlan, slim bool) (*Page, error) {
	refinement, err := a.Refinements.Get(ctx, job.JobID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("loading view refinement: %w", err)
	}

	var flat map[string]domain.ViewPayload
	refinementApplied := false
	changeSummary := ""
	if refinement != nil {
		flat = refinement.Views
		refinementApplied = true
		changeSummary = refinement.ChangeSummary
	} else {
		flat, err = a.buildFlat(ctx, job.JobID, plan)
		if err != nil {
			return nil, err
		}
	}

	tree := buildTree(flat, a.Catalogs)
	if slim {
		for i, v := range tree {
			tree[i] = v.Slim()
		}
	}

	return &Page{
		JobID:             job.JobID,
		PlanID:            job.PlanID,
		Views:             tree,
		ViewCount:         len(flat),
		ExecutionSummary:  job.Progress,
		RefinementApplied: refinementApplied,
		RefinementSummary: changeSummary,
	}, nil
}

// AssembleView builds a single view payload, with its children, for lazy
// on-demand loading — the /view/{id}/{view_key} endpoint's backing call.
func (a *Assembler) AssembleView(ctx context.Context, jobID, viewKey string, plan domain.ExecutionPlan) (*domain.ViewPayload, error) {
	view, ok := a.Catalogs.Views.Get(viewKey)
	if !ok {
		return nil, nil
	}
	payload, err := a.buildViewPayload(ctx, jobID, view)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}

	var childDefs []domain.ViewDef
	for _, child := range a.Catalogs.Views.ListAll() {
		if child.ParentViewKey == viewKey {
			childDefs = append(childDefs, child)
		}
	}
	sort.Slice(childDefs, func(i, j int) bool { return childDefs[i].Position < childDefs[j].Position })

	for _, child := range childDefs {
		childPayload, err := a.buildViewPayload(ctx, jobID, child)
		if err != nil || childPayload == nil {
			continue
		}
		payload.Children = append(payload.Children, *childPayload)
	}
	return payload, nil
}

// buildFlat builds one ViewPayload per view the plan recommends, plus
// synthetic payloads for chapter-targeted dynamic phases no static view
// covers.
func (a *Assembler) buildFlat(ctx context.Context, jobID string, plan domain.ExecutionPlan) (map[string]domain.ViewPayload, error) {
	flat := map[string]domain.ViewPayload{}
	coveredPhases := map[float64]bool{}

	for _, view := range presentbridge.RecommendedViews(a.Catalogs, plan) {
		payload, err := a.buildViewPayload(ctx, jobID, view)
		if err != nil {
			return nil, fmt.Errorf("building view %s: %w", view.ViewKey, err)
		}
		if payload == nil {
			continue
		}
		flat[view.ViewKey] = *payload
		coveredPhases[view.DataSourcePhase] = true
	}

	for _, phase := range plan.Phases {
		if phase.DocumentScope != "chapter" || coveredPhases[phase.PhaseNumber] {
			continue
		}
		payload, err := a.buildChapterView(ctx, jobID, phase)
		if err != nil {
			return nil, fmt.Errorf("building chapter view for phase %v: %w", phase.PhaseNumber, err)
		}
		if payload != nil {
			flat[payload.Key] = *payload
		}
	}

	return flat, nil
}

// buildViewPayload loads the outputs a view's data source names and
// returns the payload for it, or nil if no output exists yet (e.g. the
// phase hasn't run in this plan).
func (a *Assembler) buildViewPayload(ctx context.Context, jobID string, view domain.ViewDef) (*domain.ViewPayload, error) {
	outputs, err := a.Outputs.ForJobPhase(ctx, jobID, view.DataSourcePhase)
	if err != nil {
		return nil, err
	}
	if view.DataSourceEngine != "" {
		outputs = filterByEngine(outputs, view.DataSourceEngine)
	}
	if len(outputs) == 0 {
		return nil, nil
	}

	base := presentbridge.SectionBase(a.Catalogs, view)

	if view.PerWork {
		children, err := a.perWorkChildren(ctx, outputs, base)
		if err != nil {
			return nil, err
		}
		return &domain.ViewPayload{Key: view.ViewKey, Title: view.Name, Children: children}, nil
	}

	body, err := a.resolveBody(ctx, outputs, base)
	if err != nil {
		return nil, err
	}
	return &domain.ViewPayload{Key: view.ViewKey, Title: view.Name, Body: body}, nil
}

func (a *Assembler) perWorkChildren(ctx context.Context, outputs []*domain.PhaseOutput, sectionBase string) ([]domain.ViewPayload, error) {
	byWork := map[string]*domain.PhaseOutput{}
	for _, o := range outputs {
		cur, ok := byWork[o.WorkKey]
		if !ok || o.PassNumber > cur.PassNumber {
			byWork[o.WorkKey] = o
		}
	}

	var children []domain.ViewPayload
	for workKey, out := range byWork {
		section := sectionBase
		if workKey != "" {
			section = sectionBase + ":" + workKey
		}
		body, err := a.resolveBody(ctx, []*domain.PhaseOutput{out}, section)
		if err != nil {
			return nil, err
		}
		children = append(children, domain.ViewPayload{Key: workKey, Title: workKey, Body: body})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Key < children[j].Key })
	return children, nil
}

// resolveBody prefers the presentation cache's structured payload, falling
// back to the raw prose of the highest-numbered pass among the supplied
// outputs when no transformation has run yet for this section.
func (a *Assembler) resolveBody(ctx context.Context, outputs []*domain.PhaseOutput, section string) (string, error) {
	latest := outputs[0]
	for _, o := range outputs[1:] {
		if o.PassNumber > latest.PassNumber {
			latest = o
		}
	}

	if cached, err := a.Cache.Get(ctx, latest.ID, section); err == nil {
		return cached.Payload.Body, nil
	} else if err != store.ErrNotFound {
		return "", err
	}

	return latest.Content, nil
}

// buildChapterView synthesizes a per-chapter view for a dynamically
// planned chapter-scoped phase that has no static ViewDef — the planner
// can introduce these phases at runtime, so the catalog can't know about
// them in advance.
func (a *Assembler) buildChapterView(ctx context.Context, jobID string, phase domain.PhaseSpec) (*domain.ViewPayload, error) {
	outputs, err := a.Outputs.ForJobPhase(ctx, jobID, phase.PhaseNumber)
	if err != nil || len(outputs) == 0 {
		return nil, err
	}

	byWork := map[string]*domain.PhaseOutput{}
	for _, o := range outputs {
		cur, ok := byWork[o.WorkKey]
		if !ok || o.PassNumber > cur.PassNumber {
			byWork[o.WorkKey] = o
		}
	}

	var children []domain.ViewPayload
	for workKey, out := range byWork {
		children = append(children, domain.ViewPayload{Key: workKey, Title: workKey, Body: out.Content})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Key < children[j].Key })

	return &domain.ViewPayload{
		Key:      fmt.Sprintf("auto_chapter_%v", phase.PhaseNumber),
		Title:    phase.Name,
		Children: children,
	}, nil
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

const refinementSystemPrompt = `You are a presentation curator. You are given the view payloads a job
actually produced (each with its assembled content) and must decide, per
view, whether to keep it or hide it from the final page — hide views whose
content turned out thin, generic, or empty; keep views that carry specific
findings.

Return ONLY valid JSON (no markdown fences):
{
  "decisions": [{"view_key": "...", "action": "keep" | "hide", "reason": "..."}],
  "changes_summary": "1-2 sentences on what changed and why"
}

Include a decision for every view listed below.`

// RefineViews runs the one-shot, whole-job curatorial pass over the
// already-assembled view set: it asks an LLM which views are worth
// keeping given what each phase actually produced, persists the narrowed
// payload set as a ViewRefinement, and returns it. Neither this method nor
// its HTTP callers check the job's status: refinement runs over whatever
// outputs exist when it is called. On any LLM failure, refinement passes every view through unchanged
// rather than failing the request.
func (a *Assembler) RefineViews(ctx context.Context, job *domain.Job, plan domain.ExecutionPlan) (*domain.ViewRefinement, error) {
	flat, err := a.buildFlat(ctx, job.JobID, plan)
	if err != nil {
		return nil, err
	}

	refinement := &domain.ViewRefinement{
		JobID:         job.JobID,
		Views:         flat,
		ChangeSummary: "No refinement applied — LLM unavailable or call failed, all views kept.",
	}

	if a.LLM != nil {
		if narrowed, summary, usage, ok := a.runRefinementCall(ctx, job, flat); ok {
			refinement.Views = narrowed
			refinement.ChangeSummary = summary
			refinement.InputTokens = usage.InputTokens
			refinement.OutputTokens = usage.OutputTokens
			refinement.ModelUsed = usage.ModelUsed
		}
	}

	if err := a.Refinements.Upsert(ctx, refinement); err != nil {
		return nil, fmt.Errorf("saving view refinement: %w", err)
	}
	return refinement, nil
}

func (a *Assembler) runRefinementCall(ctx context.Context, job *domain.Job, flat map[string]domain.ViewPayload) (map[string]domain.ViewPayload, string, *llm.EngineResult, bool) {
	userMessage := buildRefinementUserMessage(job, flat)
	result, err := a.LLM.RunEngineCall(ctx, refinementSystemPrompt, userMessage, llm.EngineCallOptions{
		ModelHint: llm.ModelSonnet,
		Label:     fmt.Sprintf("refine-views:%s", job.JobID),
	})
	if err != nil {
		slog.WarnContext(ctx, "view refinement call failed, keeping all views", "job", job.JobID, "error", err)
		return nil, "", nil, false
	}

	var parsed struct {
		Decisions []struct {
			ViewKey string `json:"view_key"`
			Action  string `json:"action"`
		} `json:"decisions"`
		ChangesSummary string `json:"changes_summary"`
	}
	content := strings.TrimSpace(result.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		slog.WarnContext(ctx, "view refinement response was not valid json, keeping all views", "job", job.JobID, "error", err)
		return nil, "", nil, false
	}

	narrowed := map[string]domain.ViewPayload{}
	for key, payload := range flat {
		narrowed[key] = payload
	}
	for _, d := range parsed.Decisions {
		if d.Action == "hide" {
			delete(narrowed, d.ViewKey)
		}
	}
	return narrowed, parsed.ChangesSummary, result, true
}

func buildRefinementUserMessage(job *domain.Job, flat map[string]domain.ViewPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Job Status: %s\n\n", job.Status)
	fmt.Fprintf(&b, "**Total LLM calls**: %d, **total tokens**: %d\n\n",
		job.TotalLLMCalls, job.TotalInputTokens+job.TotalOutputTokens)

	b.WriteString("## Views Produced\n\n")
	for key, payload := range flat {
		preview := payload.Body
		if len(preview) > 300 {
			preview = preview[:300]
		}
		fmt.Fprintf(&b, "- **%s** (%s): %d children, preview: %q\n", key, payload.Title, len(payload.Children), preview)
	}

	b.WriteString("\n## Phase Results\n\n")
	for phaseKey, summary := range job.PhaseResults {
		fmt.Fprintf(&b, "- phase %s: status=%s engines=%d error=%s\n", phaseKey, summary.Status, summary.EngineCount, summary.Error)
	}
	return b.String()
}

// buildTree nests each flat payload under its ViewDef's parent, falling
// back to top-level when the parent isn't present in this job's flat set
// (e.g. it was filtered out) or the view has none. Top-level views and
// every node's children are sorted by the catalog's declared position.
func buildTree(flat map[string]domain.ViewPayload, cat *registry.Catalogs) []domain.ViewPayload {
	positions := map[string]int{}
	parents := map[string]string{}
	if cat != nil && cat.Views != nil {
		for _, v := range cat.Views.ListAll() {
			positions[v.ViewKey] = v.Position
			parents[v.ViewKey] = v.ParentViewKey
		}
	}

	children := map[string][]domain.ViewPayload{}
	var topLevel []domain.ViewPayload
	for key, payload := range flat {
		parentKey := parents[key]
		if parentKey != "" {
			if _, ok := flat[parentKey]; ok {
				children[parentKey] = append(children[parentKey], payload)
				continue
			}
		}
		topLevel = append(topLevel, payload)
	}

	sortByPosition := func(views []domain.ViewPayload) {
		sort.Slice(views, func(i, j int) bool { return positions[views[i].Key] < positions[views[j].Key] })
	}
	var attach func(v domain.ViewPayload) domain.ViewPayload
	attach = func(v domain.ViewPayload) domain.ViewPayload {
		for _, c := range children[v.Key] {
			v.Children = append(v.Children, attach(c))
		}
		sortByPosition(v.Children)
		return v
	}
	for i, v := range topLevel {
		topLevel[i] = attach(v)
	}
	sortByPosition(topLevel)
	return topLevel
}
