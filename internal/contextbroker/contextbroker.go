// Package contextbroker assembles the text blocks fed into an engine call's
// system prompt as shared context: prior phase outputs, inner-pass history within one engine,
// and chain-step history within one chain run. It never calls an LLM itself
// — it only formats and truncates.
package contextbroker

import (
	"fmt"
	"strings"

	"basegraph.app/analysisd/internal/domain"
)

// MaxCharsPerBlock caps a single formatted output block before a truncation
// marker is appended, so one runaway phase output can't blow out every
// downstream prompt's budget.
const MaxCharsPerBlock = 50_000

const truncationMarker = "\n\n[... truncated for context length ...]"

// Broker assembles context blocks from a job's recorded phase outputs.
type Broker struct{}

func New() *Broker { return &Broker{} }

// PhaseContextOptions configures AssemblePhaseContext.
type PhaseContextOptions struct {
	// MaxCharsOverride, if non-zero, replaces MaxCharsPerBlock for this call.
	MaxCharsOverride int
}

// AssemblePhaseContext formats every output recorded for the given phases
// into one context string, in the order the phases are passed, for
// consumption by a later phase that depends on them.
func (b *Broker) AssemblePhaseContext(outputsByPhase map[float64][]*domain.PhaseOutput, phases []float64, opts PhaseContextOptions) string {
	limit := MaxCharsPerBlock
	if opts.MaxCharsOverride > 0 {
		limit = opts.MaxCharsOverride
	}

	var blocks []string
	for _, phase := range phases {
		for _, output := range outputsByPhase[phase] {
			blocks = append(blocks, formatOutputBlock(output, limit))
		}
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

// AssembleInnerPassContext formats the prior passes of the SAME engine
// within the current phase, oldest first, for an engine's next pass to
// build on.
func (b *Broker) AssembleInnerPassContext(priorPasses []*domain.PhaseOutput) string {
	var blocks []string
	for _, output := range priorPasses {
		blocks = append(blocks, formatOutputBlock(output, MaxCharsPerBlock))
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

// AssembleChainContext formats the outputs of engines that already ran
// earlier in the SAME chain step sequence, for the next engine in the chain
// to consume as upstream context.
func (b *Broker) AssembleChainContext(priorChainOutputs []*domain.PhaseOutput) string {
	var blocks []string
	for _, output := range priorChainOutputs {
		blocks = append(blocks, formatOutputBlock(output, MaxCharsPerBlock))
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

// formatOutputBlock renders one output as a labeled markdown block: a
// header naming phase/engine/work/stance/role, followed by the (possibly
// truncated) content.
func formatOutputBlock(output *domain.PhaseOutput, limit int) string {
	var header strings.Builder
	header.WriteString(fmt.Sprintf("### Phase %v — %s", output.PhaseNumber, output.EngineKey))
	if output.WorkKey != "" {
		header.WriteString(fmt.Sprintf(" — Work: %s", output.WorkKey))
	}
	if output.StanceKey != "" {
		header.WriteString(fmt.Sprintf(" — Stance: %s", output.StanceKey))
	}
	if output.Role != "" {
		header.WriteString(fmt.Sprintf(" — Role: %s", output.Role))
	}

	content := output.Content
	if len(content) > limit {
		content = content[:limit] + truncationMarker
	}

	return header.String() + "\n\n" + content
}
