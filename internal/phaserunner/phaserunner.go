// Package phaserunner is the entry point per phase: given a phase spec and
// the prior work available to it, it dispatches to one of three execution
// shapes (standard, per-work, chapter-targeted) and returns the phase's
// merged final output.
package phaserunner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"basegraph.app/analysisd/internal/chainrunner"
	"basegraph.app/analysisd/internal/chaptersplit"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/registry"
	"basegraph.app/analysisd/internal/store"
)

// DefaultMaxWorkConcurrency is the default ceiling on concurrently running
// per-work units within one phase.
const DefaultMaxWorkConcurrency = 3

// Runner dispatches phase execution to the right shape and owns the
// per-work concurrency ceiling.
type Runner struct {
	Chain              *chainrunner.Runner
	Catalogs           *registry.Catalogs
	Documents          *store.DocumentStore
	MaxWorkConcurrency int
}

// Input is everything one phase execution needs beyond the phase spec
// itself.
type Input struct {
	JobID             string
	Phase             domain.PhaseSpec
	TargetDoc         *domain.Document   // the primary document this analysis is about
	PriorWork         []*domain.Document // documents/outputs available as "prior work" for per-work phases
	DistilledAnalysis string             // Phase 1.0's distilled summary, when available
	UpstreamContext   string
	PlanEmphasis      string
	CancelCheck       func() bool
}

// WorkUnitResult records one per-work unit's outcome, success or failure.
type WorkUnitResult struct {
	WorkKey string
	Content string
	Err     error
}

// Result is a phase's outcome: merged content, per-work results when
// applicable, and whether any work unit failed.
type Result struct {
	Content      string
	WorkResults  []WorkUnitResult
	InputTokens  int
	OutputTokens int
	Failed       bool
	FailureNote  string
}

// RunPhase dispatches to the shape the phase spec calls for.
func (r *Runner) RunPhase(ctx context.Context, in Input) (*Result, error) {
	switch {
	case in.Phase.DocumentScope == "chapter" && len(in.Phase.ChapterTargets) > 0:
		return r.runChapterTargeted(ctx, in)
	case in.Phase.PerWork:
		return r.runPerWork(ctx, in)
	default:
		return r.runStandard(ctx, in)
	}
}

// resolveChain resolves a phase's primary chain: a named registry chain, or
// (when only Engine is set) a synthetic single-engine chain.
func (r *Runner) resolveChain(phase domain.PhaseSpec) (domain.ChainDef, error) {
	if phase.ChainKey != "" {
		chain, ok := r.Catalogs.Chains.Get(phase.ChainKey)
		if !ok {
			return domain.ChainDef{}, fmt.Errorf("unknown chain %q", phase.ChainKey)
		}
		return chain, nil
	}
	if phase.Engine != "" {
		return domain.ChainDef{ChainKey: phase.Engine, EngineKeys: []string{phase.Engine}, Blend: domain.BlendSequential}, nil
	}
	return domain.ChainDef{}, fmt.Errorf("phase %v has neither chain nor engine", phase.PhaseNumber)
}

// runStandard executes the phase once over the target text, then its
// supplementary chains (each receiving the primary output as context),
// merging everything under per-chain headings. Supplementary failures are
// logged and skipped, never fatal to the phase.
func (r *Runner) runStandard(ctx context.Context, in Input) (*Result, error) {
	chain, err := r.resolveChain(in.Phase)
	if err != nil {
		return nil, err
	}

	primary, err := r.Chain.RunChain(ctx, chain, chainrunner.Input{
		JobID:           in.JobID,
		PhaseNumber:     in.Phase.PhaseNumber,
		DepthKey:        in.Phase.DepthKey,
		TargetText:      textOf(in.TargetDoc),
		UpstreamContext: in.UpstreamContext,
		PlanEmphasis:    in.PlanEmphasis,
		CancelCheck:     in.CancelCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("primary chain: %w", err)
	}

	sections := []string{primary.Content}
	result := &Result{InputTokens: primary.InputTokens, OutputTokens: primary.OutputTokens}

	for _, suppKey := range in.Phase.SupplementaryChainKeys {
		suppChain, ok := r.Catalogs.Chains.Get(suppKey)
		if !ok {
			slog.WarnContext(ctx, "supplementary chain not found, skipping", "chain", suppKey)
			continue
		}
		supp, err := r.Chain.RunChain(ctx, suppChain, chainrunner.Input{
			JobID:           in.JobID,
			PhaseNumber:     in.Phase.PhaseNumber,
			DepthKey:        in.Phase.DepthKey,
			TargetText:      textOf(in.TargetDoc),
			UpstreamContext: primary.Content,
			CancelCheck:     in.CancelCheck,
		})
		if err != nil {
			slog.WarnContext(ctx, "supplementary chain failed, continuing", "chain", suppKey, "error", err)
			continue
		}
		sections = append(sections, fmt.Sprintf("## Supplementary: %s\n\n%s", suppChain.ChainName, supp.Content))
		result.InputTokens += supp.InputTokens
		result.OutputTokens += supp.OutputTokens
	}

	result.Content = strings.Join(sections, "\n\n---\n\n")
	return result, nil
}

// runPerWork fans the phase out once per prior-work unit, bounded by
// MaxWorkConcurrency. A unit's own input combines the target's distilled
// upstream analysis with the prior work's raw text, using a format variant
// keyed by phase number. The raw target text is never sent: without a
// distilled analysis the unit sees only the prior work's text.
func (r *Runner) runPerWork(ctx context.Context, in Input) (*Result, error) {
	ceiling := r.MaxWorkConcurrency
	if ceiling <= 0 {
		ceiling = DefaultMaxWorkConcurrency
	}

	sem := make(chan struct{}, ceiling)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]WorkUnitResult, len(in.PriorWork))

	for i, work := range in.PriorWork {
		i, work := i, work
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if in.CancelCheck != nil && in.CancelCheck() {
				mu.Lock()
				results[i] = WorkUnitResult{WorkKey: work.DocID, Err: context.Canceled}
				mu.Unlock()
				return
			}

			chain, err := r.resolveChain(in.Phase)
			if err != nil {
				mu.Lock()
				results[i] = WorkUnitResult{WorkKey: work.DocID, Err: err}
				mu.Unlock()
				return
			}
			if override, ok := in.Phase.PerWorkChainOverride[work.DocID]; ok {
				if overrideChain, ok := r.Catalogs.Chains.Get(override); ok {
					chain = overrideChain
				}
			}

			combined := combineWorkText(in.Phase.PhaseNumber, in.DistilledAnalysis, work.Content)

			res, err := r.Chain.RunChain(ctx, chain, chainrunner.Input{
				JobID:           in.JobID,
				PhaseNumber:     in.Phase.PhaseNumber,
				WorkKey:         work.DocID,
				DepthKey:        in.Phase.DepthKey,
				TargetText:      combined,
				UpstreamContext: in.UpstreamContext,
				CancelCheck:     in.CancelCheck,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[i] = WorkUnitResult{WorkKey: work.DocID, Err: err}
				return
			}
			results[i] = WorkUnitResult{WorkKey: work.DocID, Content: res.Content}
		}()
	}
	wg.Wait()

	out := &Result{WorkResults: results}
	var sections []string
	for _, res := range results {
		if res.Err != nil {
			out.Failed = true
			out.FailureNote += fmt.Sprintf("work %s failed: %v; ", res.WorkKey, res.Err)
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", res.WorkKey, res.Content))
	}
	out.Content = strings.Join(sections, "\n\n---\n\n")
	return out, nil
}

// runChapterTargeted resolves chapter text for each target (preferring a
// pre-uploaded chapter document, then offset-based extraction from the
// target's full text, then the full text itself) and runs the phase's
// chain exactly once per chapter.
func (r *Runner) runChapterTargeted(ctx context.Context, in Input) (*Result, error) {
	chain, err := r.resolveChain(in.Phase)
	if err != nil {
		return nil, err
	}

	var sections []string
	result := &Result{}

	for _, chapterKey := range in.Phase.ChapterTargets {
		chapterText, err := r.resolveChapterText(ctx, in.TargetDoc, chapterKey)
		if err != nil {
			result.Failed = true
			result.FailureNote += fmt.Sprintf("chapter %s: %v; ", chapterKey, err)
			continue
		}

		res, err := r.Chain.RunChain(ctx, chain, chainrunner.Input{
			JobID:           in.JobID,
			PhaseNumber:     in.Phase.PhaseNumber,
			WorkKey:         chapterKey,
			DepthKey:        in.Phase.DepthKey,
			TargetText:      chapterText,
			UpstreamContext: in.UpstreamContext,
			CancelCheck:     in.CancelCheck,
		})
		if err != nil {
			result.Failed = true
			result.FailureNote += fmt.Sprintf("chapter %s: %v; ", chapterKey, err)
			continue
		}
		sections = append(sections, fmt.Sprintf("## Chapter %s\n\n%s", chapterKey, res.Content))
		result.InputTokens += res.InputTokens
		result.OutputTokens += res.OutputTokens
	}

	result.Content = strings.Join(sections, "\n\n---\n\n")
	return result, nil
}

func (r *Runner) resolveChapterText(ctx context.Context, targetDoc *domain.Document, chapterKey string) (string, error) {
	if targetDoc == nil {
		return "", fmt.Errorf("no target document")
	}

	preUploadedID := targetDoc.DocID + ":" + chapterKey
	if doc, err := r.Documents.Get(ctx, preUploadedID); err == nil && !doc.Placeholder {
		return doc.Content, nil
	}

	if text, ok := chaptersplit.Extract(targetDoc.Content, chapterKey); ok {
		return text, nil
	}

	return targetDoc.Content, nil
}

// combineWorkText merges the target's distilled analysis with a prior
// work's raw text, in a phase-number-specific order: the classification
// variant (phase 1.5) balances both; the scanning variant (phase 2.0 and
// later) puts the prior work first since it is the primary subject of that
// phase's analysis.
func combineWorkText(phaseNumber float64, distilled, priorWorkText string) string {
	if distilled == "" {
		return priorWorkText
	}
	if phaseNumber < 2.0 {
		return fmt.Sprintf("## Target Analysis (distilled)\n\n%s\n\n---\n\n## Prior Work\n\n%s", distilled, priorWorkText)
	}
	return fmt.Sprintf("## Prior Work\n\n%s\n\n---\n\n## Target Analysis (distilled)\n\n%s", priorWorkText, distilled)
}

func textOf(doc *domain.Document) string {
	if doc == nil {
		return ""
	}
	return doc.Content
}
