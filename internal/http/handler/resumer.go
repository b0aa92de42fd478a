package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"basegraph.app/analysisd/internal/contextbroker"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/jobmanager"
	"basegraph.app/analysisd/internal/phaserunner"
	"basegraph.app/analysisd/internal/planner"
	"basegraph.app/analysisd/internal/store"
	"basegraph.app/analysisd/internal/workflowrunner"
)

// Resumer drives a job's execution plan to completion, implementing
// jobmanager.Resumer. It regenerates a plan from a job's document snapshot
// when resuming without one (fromPlan=false) — startup orphan recovery and
// the all-in-one analyze flow both funnel through here.
type Resumer struct {
	Jobs      *store.JobStore
	Documents *store.DocumentStore
	Outputs   *store.PhaseOutputStore
	Broker    *contextbroker.Broker
	Planner   *planner.Planner
	Workflow  *workflowrunner.Runner
	Manager   *jobmanager.Manager
}

var _ jobmanager.Resumer = (*Resumer)(nil)

// Resume satisfies jobmanager.Resumer.
func (r *Resumer) Resume(ctx context.Context, job *domain.Job, fromPlan bool) {
	ctx = context.WithoutCancel(ctx)

	plan := domain.ExecutionPlan{}
	if fromPlan && job.PlanData != nil {
		plan = *job.PlanData
	} else {
		generated, err := r.replan(ctx, job)
		if err != nil {
			slog.ErrorContext(ctx, "failed to replan orphaned job", "job_id", job.JobID, "error", err)
			_ = r.Jobs.UpdateStatus(ctx, job.JobID, domain.JobFailed, fmt.Sprintf("replanning failed: %v", err))
			return
		}
		plan = *generated
		if err := r.Jobs.SavePlan(ctx, job.JobID, plan); err != nil {
			slog.ErrorContext(ctx, "failed to persist regenerated plan", "job_id", job.JobID, "error", err)
		}
	}

	remaining := make([]domain.PhaseSpec, 0, len(plan.Phases))
	for _, p := range plan.Phases {
		if prev, ok := job.PhaseResults[strconv.FormatFloat(p.PhaseNumber, 'f', -1, 64)]; ok && prev.Status == "completed" {
			continue
		}
		remaining = append(remaining, p)
	}
	plan.Phases = remaining

	if err := r.Jobs.UpdateStatus(ctx, job.JobID, domain.JobRunning, ""); err != nil {
		slog.ErrorContext(ctx, "failed to mark job running", "job_id", job.JobID, "error", err)
		return
	}

	cancelCheck := func() bool { return r.Manager.Cancelled(job.JobID) }
	status, err := r.Workflow.ExecutePlan(ctx, job, plan, r.resolveInput(cancelCheck), cancelCheck)
	if err != nil {
		slog.ErrorContext(ctx, "workflow execution error", "job_id", job.JobID, "error", err)
		_ = r.Jobs.UpdateStatus(ctx, job.JobID, domain.JobFailed, err.Error())
		return
	}
	if err := r.Jobs.UpdateStatus(ctx, job.JobID, status, ""); err != nil {
		slog.ErrorContext(ctx, "failed to persist terminal job status", "job_id", job.JobID, "status", status, "error", err)
	}
}

// replan regenerates an ExecutionPlan from a job's recorded document
// snapshot, for orphans that died before a plan was ever persisted. The
// original research question/depth/focus hints aren't part of the durable
// job record, so this necessarily runs the planner with defaults for
// those — a documented simplification, not a fidelity gap in the happy path
// (which always has PlanData already).
func (r *Resumer) replan(ctx context.Context, job *domain.Job) (*domain.ExecutionPlan, error) {
	docs, err := r.Documents.GetMany(ctx, job.DocumentIDs)
	if err != nil {
		return nil, fmt.Errorf("loading documents for replan: %w", err)
	}
	target, prior := splitTargetPrior(docs)
	if target == nil {
		return nil, fmt.Errorf("job %s has no usable target document to replan from", job.JobID)
	}

	req := planner.Request{
		ThinkerName: target.Author,
		TargetWork:  toWorkMeta(target),
		WorkflowKey: job.WorkflowKey,
	}
	for _, d := range prior {
		req.PriorWorks = append(req.PriorWorks, toWorkMeta(d))
	}

	plan, err := r.Planner.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	plan.JobID = job.JobID
	plan.PlanID = job.PlanID
	return plan, nil
}

func splitTargetPrior(docs []*domain.Document) (*domain.Document, []*domain.Document) {
	var target *domain.Document
	var prior []*domain.Document
	for _, d := range docs {
		if d.Role == "target" && target == nil {
			target = d
			continue
		}
		prior = append(prior, d)
	}
	if target == nil && len(docs) > 0 {
		target, prior = docs[0], docs[1:]
	}
	return target, prior
}

func toWorkMeta(d *domain.Document) planner.WorkMeta {
	return planner.WorkMeta{
		DocID:  d.DocID,
		Title:  d.Title,
		Author: d.Author,
		Text:   d.Content,
	}
}

// resolveInput builds the workflowrunner.InputResolver that pulls a phase's
// target/prior documents, phase 1.0's distilled analysis, and dependency
// context out of the store, matching the shared-context-threading design in
// spec §4.5/§4.7.
func (r *Resumer) resolveInput(cancelCheck func() bool) workflowrunner.InputResolver {
	return func(ctx context.Context, job *domain.Job, phase domain.PhaseSpec) (phaserunner.Input, error) {
		docs, err := r.Documents.GetMany(ctx, job.DocumentIDs)
		if err != nil {
			return phaserunner.Input{}, fmt.Errorf("loading documents: %w", err)
		}
		target, prior := splitTargetPrior(docs)

		var distilled string
		if phase.PhaseNumber != 1.0 {
			if outs, err := r.Outputs.ForJobPhase(ctx, job.JobID, 1.0); err == nil {
				parts := make([]string, 0, len(outs))
				for _, o := range outs {
					parts = append(parts, o.Content)
				}
				distilled = strings.Join(parts, "\n\n---\n\n")
			}
		}

		var upstream string
		if len(phase.DependsOn) > 0 {
			byPhase := make(map[float64][]*domain.PhaseOutput, len(phase.DependsOn))
			for _, dep := range phase.DependsOn {
				outs, err := r.Outputs.ForJobPhase(ctx, job.JobID, dep)
				if err != nil {
					return phaserunner.Input{}, fmt.Errorf("loading phase %.1f outputs: %w", dep, err)
				}
				byPhase[dep] = outs
			}
			upstream = r.Broker.AssemblePhaseContext(byPhase, phase.DependsOn, contextbroker.PhaseContextOptions{})
		}

		return phaserunner.Input{
			JobID:             job.JobID,
			Phase:             phase,
			TargetDoc:         target,
			PriorWork:         prior,
			DistilledAnalysis: distilled,
			UpstreamContext:   upstream,
			CancelCheck:       cancelCheck,
		}, nil
	}
}
