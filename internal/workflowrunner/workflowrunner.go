// Package workflowrunner is the top-level DAG executor: it groups a plan's
// phases by dependency, runs each group (in-thread for a single phase,
// bounded-pool for multiple), and decides the job's terminal status.
package workflowrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"basegraph.app/analysisd/core/db"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/phaserunner"
	"basegraph.app/analysisd/internal/store"
)

// DefaultMaxPhaseConcurrency is the default ceiling on phases run
// concurrently within one dependency group.
const DefaultMaxPhaseConcurrency = 2

// InputResolver builds a phaserunner.Input for one phase, given the job and
// the outputs already persisted for the phases it depends on.
type InputResolver func(ctx context.Context, job *domain.Job, phase domain.PhaseSpec) (phaserunner.Input, error)

// Runner executes an ExecutionPlan to completion.
type Runner struct {
	Phases              *phaserunner.Runner
	Jobs                *store.JobStore
	Outputs             *store.PhaseOutputStore
	MaxPhaseConcurrency int
}

// phaseOutcome is the internal record of one phase's run, used to decide
// the job's terminal status and to persist the compact per-phase summary.
type phaseOutcome struct {
	phase    domain.PhaseSpec
	status   string // "completed", "failed", "skipped"
	err      error
	duration time.Duration
	input    int
	output   int
	preview  string
}

// ExecutePlan runs every phase of plan in dependency order, persisting
// progress as it goes, and returns the job's terminal status.
func (r *Runner) ExecutePlan(ctx context.Context, job *domain.Job, plan domain.ExecutionPlan, resolve InputResolver, cancelCheck func() bool) (domain.JobStatus, error) {
	groups := buildExecutionOrder(plan.Phases)

	ceiling := r.MaxPhaseConcurrency
	if ceiling <= 0 {
		ceiling = DefaultMaxPhaseConcurrency
	}

	var (
		outcomes      []phaseOutcome
		cancelled     bool
		completed     int
		totalPhases   = len(plan.Phases)
	)

	for _, group := range groups {
		if cancelCheck != nil && cancelCheck() {
			cancelled = true
			break
		}

		var groupOutcomes []phaseOutcome
		if len(group) == 1 {
			groupOutcomes = []phaseOutcome{r.runPhase(ctx, job, group[0], resolve, cancelCheck)}
		} else {
			groupOutcomes = r.runGroup(ctx, job, group, resolve, cancelCheck, ceiling)
		}

		for _, outcome := range groupOutcomes {
			outcomes = append(outcomes, outcome)
			if outcome.status == "completed" {
				completed++
			}

			summary := domain.PhaseResultSummary{
				PhaseNumber: outcome.phase.PhaseNumber,
				Status:      outcome.status,
				EngineCount: 1,
			}
			if outcome.err != nil {
				summary.Error = outcome.err.Error()
			}
			if r.Jobs != nil {
				if err := r.Jobs.WithTx(ctx, func(tx db.Conn) error {
					return r.Jobs.SavePhaseResult(ctx, tx, job.JobID, summary)
				}); err != nil {
					slog.ErrorContext(ctx, "failed to persist phase result", "job_id", job.JobID, "phase", outcome.phase.PhaseNumber, "error", err)
				}
				if err := r.Jobs.AddTokens(ctx, r.Jobs.HandleConn(), job.JobID, 1, outcome.input, outcome.output); err != nil {
					slog.ErrorContext(ctx, "failed to update job token counters", "job_id", job.JobID, "error", err)
				}
				_ = r.Jobs.UpdateProgress(ctx, job.JobID, domain.JobProgress{
					CurrentPhase:    outcome.phase.PhaseNumber,
					TotalPhases:     totalPhases,
					CompletedPhases: completed,
				})
			}
		}

		if cancelCheck != nil && cancelCheck() {
			cancelled = true
			break
		}
	}

	return decideTerminalStatus(cancelled, outcomes), nil
}

func (r *Runner) runPhase(ctx context.Context, job *domain.Job, phase domain.PhaseSpec, resolve InputResolver, cancelCheck func() bool) phaseOutcome {
	start := time.Now()

	in, err := resolve(ctx, job, phase)
	if err != nil {
		return phaseOutcome{phase: phase, status: "failed", err: err, duration: time.Since(start)}
	}
	in.CancelCheck = cancelCheck

	result, err := r.Phases.RunPhase(ctx, in)
	duration := time.Since(start)
	if err != nil {
		return phaseOutcome{phase: phase, status: "failed", err: err, duration: duration}
	}
	if result.Failed {
		return phaseOutcome{phase: phase, status: "failed", err: fmt.Errorf("%s", result.FailureNote), duration: duration, input: result.InputTokens, output: result.OutputTokens, preview: preview(result.Content)}
	}
	return phaseOutcome{phase: phase, status: "completed", duration: duration, input: result.InputTokens, output: result.OutputTokens, preview: preview(result.Content)}
}

func (r *Runner) runGroup(ctx context.Context, job *domain.Job, group []domain.PhaseSpec, resolve InputResolver, cancelCheck func() bool, ceiling int) []phaseOutcome {
	sem := make(chan struct{}, ceiling)
	outcomes := make([]phaseOutcome, len(group))
	var wg sync.WaitGroup

	for i, phase := range group {
		i, phase := i, phase
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = r.runPhase(ctx, job, phase, resolve, cancelCheck)
		}()
	}
	wg.Wait()
	return outcomes
}

// buildExecutionOrder topologically sorts phases by DependsOn into ordered
// groups (Kahn's algorithm); every phase within a group has its
// dependencies satisfied by an earlier group. On a dependency cycle, it
// logs a warning and returns one phase per group in phase-number order
// instead of aborting.
func buildExecutionOrder(phases []domain.PhaseSpec) [][]domain.PhaseSpec {
	byNumber := map[float64]domain.PhaseSpec{}
	inDegree := map[float64]int{}
	dependents := map[float64][]float64{}

	for _, p := range phases {
		byNumber[p.PhaseNumber] = p
		if _, ok := inDegree[p.PhaseNumber]; !ok {
			inDegree[p.PhaseNumber] = 0
		}
	}
	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if _, ok := byNumber[dep]; !ok {
				continue // dependency not in this plan; ignore
			}
			inDegree[p.PhaseNumber]++
			dependents[dep] = append(dependents[dep], p.PhaseNumber)
		}
	}

	var groups [][]domain.PhaseSpec
	remaining := len(phases)
	visited := map[float64]bool{}

	for remaining > 0 {
		var ready []float64
		for num, deg := range inDegree {
			if deg == 0 && !visited[num] {
				ready = append(ready, num)
			}
		}
		if len(ready) == 0 {
			// Cycle detected: fall back to sequential, phase-number order,
			// for whatever hasn't run yet.
			slog.Warn("dependency cycle detected in execution plan, falling back to sequential order")
			var rest []float64
			for num := range byNumber {
				if !visited[num] {
					rest = append(rest, num)
				}
			}
			sort.Float64s(rest)
			for _, num := range rest {
				groups = append(groups, []domain.PhaseSpec{byNumber[num]})
			}
			break
		}

		sort.Float64s(ready)
		group := make([]domain.PhaseSpec, 0, len(ready))
		for _, num := range ready {
			group = append(group, byNumber[num])
			visited[num] = true
			remaining--
			for _, dependent := range dependents[num] {
				inDegree[dependent]--
			}
			delete(inDegree, num)
		}
		groups = append(groups, group)
	}

	return groups
}

// decideTerminalStatus applies the priority cancelled > failed > completed.
func decideTerminalStatus(cancelled bool, outcomes []phaseOutcome) domain.JobStatus {
	if cancelled {
		return domain.JobCancelled
	}
	var failedPhases []string
	for _, o := range outcomes {
		if o.status == "failed" {
			failedPhases = append(failedPhases, fmt.Sprintf("%v", o.phase.PhaseNumber))
		}
	}
	if len(failedPhases) > 0 {
		slog.Warn("job completed with failed phases", "phases", strings.Join(failedPhases, ","))
		return domain.JobFailed
	}
	return domain.JobCompleted
}

func preview(content string) string {
	const maxPreview = 280
	if len(content) <= maxPreview {
		return content
	}
	return content[:maxPreview] + "..."
}
