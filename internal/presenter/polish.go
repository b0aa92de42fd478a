// Package presenter implements the polish pass: a supplemental,
// explicitly-requested rewrite of an already-assembled view's prose into a
// named rhetorical/critical register ("school"), cached separately from
// the presentation cache because it operates on assembled view text
// rather than raw phase output.
package presenter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"basegraph.app/analysisd/common/llm"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/store"
)

// Caller is the minimal LLM surface the polisher needs.
type Caller interface {
	RunEngineCall(ctx context.Context, systemPrompt, userMessage string, opts llm.EngineCallOptions) (*llm.EngineResult, error)
}

// Polisher rewrites a view's assembled prose into a named register,
// caching the result in PolishCacheStore.
type Polisher struct {
	LLM   Caller
	Cache *store.PolishCacheStore
}

// schoolGuidance gives the model a concrete register to write in. Unknown
// schools still work — the guidance line is just omitted — since the
// school is an open vocabulary, not a closed registry entry.
var schoolGuidance = map[string]string{
	"analytic_rigor":    "Write in a precise, analytic register: short declarative sentences, explicit logical connectives, minimal ornamentation.",
	"literary_essay":    "Write in a literary-essay register: varied sentence rhythm, vivid but controlled imagery, a clear authorial voice.",
	"dialectical":       "Write in a dialectical register: stage the tension between positions explicitly before resolving or refusing to resolve it.",
	"plain_explainer":   "Write in a plain, accessible register: short paragraphs, concrete examples, no jargon left unexplained.",
	"polemical":         "Write in a polemical register: a clear thesis argued with force, naming and countering the strongest objection.",
}

// Polish rewrites content for (jobID, viewKey, school), returning the
// cached entry unchanged on a hit. force=true always re-runs the rewrite
// and overwrites whatever was cached.
func (p *Polisher) Polish(ctx context.Context, jobID, viewKey, school, content string, force bool) (*domain.PolishCacheEntry, error) {
	if !force {
		if cached, err := p.Cache.Get(ctx, jobID, viewKey, school); err == nil {
			return cached, nil
		} else if err != store.ErrNotFound {
			return nil, fmt.Errorf("checking polish cache: %w", err)
		}
	}

	if p.LLM == nil {
		return nil, fmt.Errorf("no LLM caller configured")
	}

	systemPrompt := buildSystemPrompt(school)
	userMessage := fmt.Sprintf("# Content to rewrite\n\n%s\n\nProduce only the rewritten prose, no preamble or commentary.", content)

	var result *llm.EngineResult
	var lastErr error
	for _, hint := range []llm.ModelKey{llm.ModelHaiku, llm.ModelSonnet} {
		r, err := p.LLM.RunEngineCall(ctx, systemPrompt, userMessage, llm.EngineCallOptions{
			ModelHint: hint,
			Label:     fmt.Sprintf("polish:%s:%s:%s", jobID, viewKey, school),
		})
		if err == nil {
			result = r
			break
		}
		lastErr = err
		slog.WarnContext(ctx, "polish call failed, trying next model", "view", viewKey, "school", school, "model_hint", hint, "error", err)
	}
	if result == nil {
		return nil, fmt.Errorf("polish failed for view %s/%s: %w", viewKey, school, lastErr)
	}

	entry := &domain.PolishCacheEntry{
		JobID:     jobID,
		ViewKey:   viewKey,
		School:    school,
		Content:   strings.TrimSpace(result.Content),
		ModelUsed: result.ModelUsed,
	}
	if err := p.Cache.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("caching polish result: %w", err)
	}
	return entry, nil
}

func buildSystemPrompt(school string) string {
	var b strings.Builder
	b.WriteString("You are a prose editor rewriting an already-assembled analytical view into a ")
	fmt.Fprintf(&b, "named register: %q.\n\n", school)
	if guidance, ok := schoolGuidance[school]; ok {
		b.WriteString(guidance)
		b.WriteString("\n\n")
	}
	b.WriteString("Preserve every factual claim and citation in the source. Do not add claims that " +
		"aren't already present. Do not shorten substantively — this is a register change, not a summary.")
	return b.String()
}
