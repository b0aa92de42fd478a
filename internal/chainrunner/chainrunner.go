// Package chainrunner executes one chain (an ordered list of capability
// engines) within a single phase call, threading each engine's output
// forward as context for the next and persisting every pass as it
// completes.
package chainrunner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"basegraph.app/analysisd/common/id"
	"basegraph.app/analysisd/common/llm"
	"basegraph.app/analysisd/internal/contextbroker"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/promptcompose"
	"basegraph.app/analysisd/internal/registry"
	"basegraph.app/analysisd/internal/store"
)

// EngineCaller is the narrow interface chainrunner needs from the LLM
// engine runner, so this package doesn't depend on the Anthropic SDK
// directly.
type EngineCaller interface {
	RunEngineCall(ctx context.Context, systemPrompt, userMessage string, opts llm.EngineCallOptions) (*llm.EngineResult, error)
}

// Runner executes chains and single-engine phase calls.
type Runner struct {
	LLM      EngineCaller
	Broker   *contextbroker.Broker
	Catalogs *registry.Catalogs
	Outputs  *store.PhaseOutputStore
}

// Input describes one chain (or single-engine) invocation within a phase.
type Input struct {
	JobID           string
	PhaseNumber     float64
	WorkKey         string
	DepthKey        string
	TargetText      string // the primary text this phase/work unit analyzes
	UpstreamContext string // context assembled from earlier phases
	PlanEmphasis    string // free-form planner guidance for this phase
	CancelCheck     func() bool
}

// Result is the outcome of one chain run: the concatenated, per-engine
// headed content plus the token totals across every pass.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Calls        int
}

// RunChain executes every engine in chain.EngineKeys in order, threading
// each engine's final pass as shared context into the next. Blend modes
// other than sequential are accepted and logged, then executed as
// sequential — see DESIGN.md's Open Question decision.
func (r *Runner) RunChain(ctx context.Context, chain domain.ChainDef, in Input) (*Result, error) {
	if chain.Blend != domain.BlendSequential && chain.Blend != "" {
		slog.WarnContext(ctx, "blend mode not yet implemented, running sequential",
			"chain", chain.ChainKey, "blend", chain.Blend)
	}

	var (
		sections     []string
		priorOutputs []*domain.PhaseOutput
		result       Result
	)

	for _, engineKey := range chain.EngineKeys {
		engine, ok := r.Catalogs.Engines.Get(engineKey)
		if !ok {
			slog.WarnContext(ctx, "chain references unknown engine, skipping", "chain", chain.ChainKey, "engine", engineKey)
			continue
		}

		chainContext := r.Broker.AssembleChainContext(priorOutputs)

		content, calls, err := r.runEngine(ctx, engine, in, chainContext)
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", engineKey, err)
		}

		sections = append(sections, fmt.Sprintf("## %s\n\n%s", engine.Name, content.text))
		result.InputTokens += content.inputTokens
		result.OutputTokens += content.outputTokens
		result.Calls += calls
		if n := len(content.outputs); n > 0 {
			priorOutputs = append(priorOutputs, content.outputs[n-1])
		}
	}

	result.Content = strings.Join(sections, "\n\n---\n\n")
	return &result, nil
}

// RunSingleEngine runs one capability engine outside of any chain — the
// phase-runner's non-chain phase shape.
func (r *Runner) RunSingleEngine(ctx context.Context, engineKey string, in Input) (*Result, error) {
	engine, ok := r.Catalogs.Engines.Get(engineKey)
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", engineKey)
	}
	content, calls, err := r.runEngine(ctx, engine, in, "")
	if err != nil {
		return nil, err
	}
	return &Result{Content: content.text, InputTokens: content.inputTokens, OutputTokens: content.outputTokens, Calls: calls}, nil
}

type engineRunResult struct {
	text         string
	inputTokens  int
	outputTokens int
	outputs      []*domain.PhaseOutput
}

// runEngine runs every pass of one engine in sequence, maintaining a
// prose-by-pass-number map so each pass's consumes_from list can be
// resolved against already-produced prose, and persists each pass result
// immediately after it completes.
func (r *Runner) runEngine(ctx context.Context, engine domain.CapabilityEngine, in Input, chainContext string) (engineRunResult, int, error) {
	passes := engine.PassesByDepth[in.DepthKey]
	if len(passes) == 0 {
		return r.runWholeEngineFallback(ctx, engine, in, chainContext)
	}

	var (
		out        engineRunResult
		byPassNum  = map[int]string{}
		lastPass   string
		innerPrior []*domain.PhaseOutput
	)

	for _, pass := range passes {
		if in.CancelCheck != nil && in.CancelCheck() {
			return out, 0, fmt.Errorf("cancelled before pass %d", pass.PassNumber)
		}

		stance, _ := r.Catalogs.Stances.Get(pass.StanceKey)

		var consumed []string
		for _, p := range pass.ConsumesFrom {
			if prose, ok := byPassNum[p]; ok {
				consumed = append(consumed, prose)
			}
		}

		innerContext := r.Broker.AssembleInnerPassContext(innerPrior)
		shared := joinNonEmpty("\n\n---\n\n", in.UpstreamContext, in.PlanEmphasis, chainContext, innerContext, strings.Join(consumed, "\n\n---\n\n"))

		composed := promptcompose.Compose(engine, stance, promptcompose.PassSpec{
			PassNumber:      pass.PassNumber,
			Label:           pass.Label,
			StanceKey:       pass.StanceKey,
			Description:     pass.Description,
			FocusDimensions: pass.FocusDimensions,
			FocusCapability: pass.FocusCapability,
			ConsumesFrom:    pass.ConsumesFrom,
		}, in.DepthKey, shared)

		callResult, err := r.LLM.RunEngineCall(ctx, composed.SystemPrompt, in.TargetText, llm.EngineCallOptions{
			PhaseNumber:       in.PhaseNumber,
			CancellationCheck: in.CancelCheck,
			Label:             fmt.Sprintf("phase %v %s pass %d", in.PhaseNumber, engine.Key, pass.PassNumber),
		})
		if err != nil {
			return out, 0, err
		}

		output := &domain.PhaseOutput{
			ID:           id.New(),
			JobID:        in.JobID,
			PhaseNumber:  in.PhaseNumber,
			EngineKey:    engine.Key,
			PassNumber:   pass.PassNumber,
			WorkKey:      in.WorkKey,
			StanceKey:    pass.StanceKey,
			Role:         engine.Role,
			Content:      callResult.Content,
			ModelUsed:    callResult.ModelUsed,
			InputTokens:  callResult.InputTokens,
			OutputTokens: callResult.OutputTokens,
			CreatedAt:    time.Now(),
		}
		if r.Outputs != nil {
			if err := r.Outputs.Upsert(ctx, r.Outputs.HandleConn(), output); err != nil {
				return out, 0, fmt.Errorf("persisting pass result: %w", err)
			}
		}

		byPassNum[pass.PassNumber] = callResult.Content
		lastPass = callResult.Content
		innerPrior = append(innerPrior, output)
		out.outputs = append(out.outputs, output)
		out.inputTokens += callResult.InputTokens
		out.outputTokens += callResult.OutputTokens
	}

	out.text = lastPass
	return out, len(passes), nil
}

// runWholeEngineFallback handles an engine with no multi-pass definition:
// one call over the whole target text.
func (r *Runner) runWholeEngineFallback(ctx context.Context, engine domain.CapabilityEngine, in Input, chainContext string) (engineRunResult, int, error) {
	shared := joinNonEmpty("\n\n---\n\n", in.UpstreamContext, in.PlanEmphasis, chainContext)
	composed := promptcompose.Compose(engine, domain.Stance{}, promptcompose.PassSpec{PassNumber: 1, Label: "analysis"}, in.DepthKey, shared)

	callResult, err := r.LLM.RunEngineCall(ctx, composed.SystemPrompt, in.TargetText, llm.EngineCallOptions{
		PhaseNumber:       in.PhaseNumber,
		CancellationCheck: in.CancelCheck,
		Label:             fmt.Sprintf("phase %v %s", in.PhaseNumber, engine.Key),
	})
	if err != nil {
		return engineRunResult{}, 0, err
	}

	output := &domain.PhaseOutput{
		ID:           id.New(),
		JobID:        in.JobID,
		PhaseNumber:  in.PhaseNumber,
		EngineKey:    engine.Key,
		PassNumber:   1,
		WorkKey:      in.WorkKey,
		Role:         engine.Role,
		Content:      callResult.Content,
		ModelUsed:    callResult.ModelUsed,
		InputTokens:  callResult.InputTokens,
		OutputTokens: callResult.OutputTokens,
		CreatedAt:    time.Now(),
	}
	if r.Outputs != nil {
		if err := r.Outputs.Upsert(ctx, r.Outputs.HandleConn(), output); err != nil {
			return engineRunResult{}, 0, fmt.Errorf("persisting engine result: %w", err)
		}
	}

	return engineRunResult{
		text:         callResult.Content,
		inputTokens:  callResult.InputTokens,
		outputTokens: callResult.OutputTokens,
		outputs:      []*domain.PhaseOutput{output},
	}, 1, nil
}

func joinNonEmpty(sep string, parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, sep)
}
