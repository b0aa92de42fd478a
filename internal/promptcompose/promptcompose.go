// Package promptcompose builds the system prompt for a single engine/pass
// invocation. It is a pure function: given a capability engine, a pass, a
// depth key, and optional shared context, it produces a system prompt
// string and a small record of what went into it. It never calls an LLM.
package promptcompose

import (
	"fmt"
	"strings"

	"basegraph.app/analysisd/internal/domain"
)

// PassSpec is the pass-level input to composition: which pass of an
// engine's sequence is running, its stance, and what it focuses on.
type PassSpec struct {
	PassNumber      int
	Label           string
	StanceKey       string
	Description     string
	FocusDimensions []string
	FocusCapability string
	ConsumesFrom    []int
}

// Composed is the output contract: the system prompt plus a record of what
// produced it, used for logging and for the "consumes_from" bookkeeping
// chain/phase runners need.
type Composed struct {
	SystemPrompt    string
	EngineKey       string
	PassNumber      int
	StanceKey       string
	FocusDimensions []string
	ConsumesFrom    []int
}

// Compose builds the system prompt for one engine/pass call. sharedContext,
// when non-empty, is a context-broker-assembled block the model is
// instructed to build on rather than repeat. depthKey is printed beside
// each focus dimension as its depth label; no per-depth guidance text is
// added.
func Compose(engine domain.CapabilityEngine, stance domain.Stance, pass PassSpec, depthKey, sharedContext string) Composed {
	var b strings.Builder

	// 1. Intellectual framing.
	fmt.Fprintf(&b, "# %s\n\n", engine.Name)
	if engine.PromptTemplate != "" {
		b.WriteString(engine.PromptTemplate)
		b.WriteString("\n\n")
	}

	// 2. Analytical-stance block.
	if stance.Name != "" {
		fmt.Fprintf(&b, "## Analytical Stance: %s\n\n", stance.Name)
	}

	// 3. Analytical-dimensions subset for this pass.
	if len(pass.FocusDimensions) > 0 {
		b.WriteString("## Focus Dimensions\n\n")
		for _, dim := range pass.FocusDimensions {
			fmt.Fprintf(&b, "- `%s` (depth: %s)\n", dim, depthKey)
		}
		b.WriteString("\n")
	}

	// 4. Shared-context block.
	if sharedContext != "" {
		b.WriteString("## Upstream Context\n\n")
		b.WriteString("Build on the following prior analysis. Do not repeat it verbatim.\n\n")
		b.WriteString(sharedContext)
		b.WriteString("\n\n")
	}

	// 5. Pass-specific instruction.
	fmt.Fprintf(&b, "## Pass %d: %s\n\n", pass.PassNumber, pass.Label)
	if pass.Description != "" {
		b.WriteString(pass.Description)
		b.WriteString("\n\n")
	}
	if len(pass.ConsumesFrom) > 0 {
		fmt.Fprintf(&b, "This pass builds on passes %v of this engine.\n\n", pass.ConsumesFrom)
	}

	b.WriteString("Produce rich analytical prose. Do not respond in JSON or bare bullet points; " +
		"use section headings suited to the material.\n")

	return Composed{
		SystemPrompt:    b.String(),
		EngineKey:       engine.Key,
		PassNumber:      pass.PassNumber,
		StanceKey:       pass.StanceKey,
		FocusDimensions: pass.FocusDimensions,
		ConsumesFrom:    pass.ConsumesFrom,
	}
}
