// Package jobmanager owns the job lifecycle: creation with an idempotency
// guard, cancellation, startup orphan recovery, and stale-job detection.
package jobmanager

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"basegraph.app/analysisd/common/id"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/store"
)

// StaleRunCap is the hard ceiling on a job's runtime before it is forced
// into a failed state regardless of what orphan recovery saw.
const StaleRunCap = 3 * time.Hour

// OrphanGracePeriod is how long a planless, document-less job is given
// before it's assumed dead rather than still being planned by a peer.
const OrphanGracePeriod = 5 * time.Minute

// idempotencyWindow is how many recently created jobs are scanned for a
// duplicate in-flight request against the same plan id.
const idempotencyWindow = 5

var (
	// ErrCancelTokenMismatch is returned when a cancellation request's token
	// doesn't match the job's creation-time token.
	ErrCancelTokenMismatch = errors.New("cancel token mismatch")
	// ErrNotDeletable is returned when a deletion is attempted on a
	// non-terminal job.
	ErrNotDeletable = errors.New("job is not in a terminal state")
)

// CreateRequest is the input to Create: everything the caller already knows
// before a plan exists.
type CreateRequest struct {
	PlanID      string
	WorkflowKey string
	DocumentIDs []string
}

// Resumer is implemented by whatever drives a job to completion — normally
// a workflowrunner.Runner wired through a small adapter — so jobmanager
// doesn't need to import execution packages directly.
type Resumer interface {
	// Resume drives job to completion, skipping any phase already recorded
	// as completed in job.PhaseResults. fromPlan is true when job.PlanData already holds
	// a full plan snapshot; otherwise the resumer must regenerate one from
	// the job's recorded request snapshot before executing.
	Resume(ctx context.Context, job *domain.Job, fromPlan bool)
}

// Enqueuer hands a resume/replan decision off to a durable queue instead of
// running it in-process, matching the teacher's ack'd-handoff worker
// boundary. Satisfied by queue.JobEnqueuer (an adapter over queue.Producer)
// without importing internal/queue directly.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, fromPlan bool) error
}

// Manager owns job creation, cancellation, and recovery. CancelFlags tracks
// in-memory cancellation requests so the engine runner's per-retry/heartbeat
// poll is a map lookup rather than a database read.
type Manager struct {
	Jobs    *store.JobStore
	Resumer Resumer
	// Queue, when set, routes every resume trigger through a durable
	// consumer-group handoff instead of a bare goroutine. Nil falls back to
	// running Resumer in-process, which is enough for a single-process
	// deployment or a test double.
	Queue Enqueuer

	mu          sync.Mutex
	cancelFlags map[string]bool
}

// New builds a Manager. Resumer may be nil until wiring is complete; it is
// only used by TriggerResume's in-process path (when no Queue is wired),
// which RecoverOrphans goes through.
func New(jobs *store.JobStore, resumer Resumer) *Manager {
	return &Manager{Jobs: jobs, Resumer: resumer, cancelFlags: map[string]bool{}}
}

// TriggerResume hands job off for execution, via the durable queue when one
// is wired, otherwise directly in-process. Every caller that wants a job
// (re)started — orphan recovery, a freshly created job with an inline plan,
// the all-in-one analyze endpoint — funnels through here.
func (m *Manager) TriggerResume(ctx context.Context, job *domain.Job, fromPlan bool) {
	if m.Queue != nil {
		if err := m.Queue.Enqueue(ctx, job.JobID, fromPlan); err != nil {
			slog.ErrorContext(ctx, "failed to enqueue resume, falling back to in-process", "job_id", job.JobID, "error", err)
		} else {
			return
		}
	}
	if m.Resumer != nil {
		go m.Resumer.Resume(ctx, job, fromPlan)
	}
}

// Create mints a new job, guarding against duplicate creation for the same
// plan id within the idempotency window. The cancel token is returned only
// here; it is never exposed again once the job exists.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (job *domain.Job, cancelToken string, created bool, err error) {
	recent, err := m.Jobs.List(ctx, "", idempotencyWindow)
	if err != nil {
		return nil, "", false, fmt.Errorf("scan recent jobs: %w", err)
	}
	for _, j := range recent {
		if j.PlanID == req.PlanID && !j.Status.Terminal() {
			return j, "", false, nil
		}
	}

	token, err := generateSecureToken(32)
	if err != nil {
		return nil, "", false, fmt.Errorf("generate cancel token: %w", err)
	}

	j := &domain.Job{
		JobID:        fmt.Sprintf("job_%d", id.New()),
		PlanID:       req.PlanID,
		WorkflowKey:  req.WorkflowKey,
		Status:       domain.JobPending,
		PhaseResults: map[string]domain.PhaseResultSummary{},
		DocumentIDs:  req.DocumentIDs,
		CancelToken:  token,
		CreatedAt:    time.Now(),
	}
	if err := m.Jobs.Create(ctx, m.Jobs.HandleConn(), j); err != nil {
		return nil, "", false, fmt.Errorf("create job: %w", err)
	}
	return j, token, true, nil
}

// Cancel flips the in-memory flag and persists the cancelled status,
// provided token matches the job's creation-time cancel token.
func (m *Manager) Cancel(ctx context.Context, jobID, token string) error {
	job, err := m.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.CancelToken != token {
		return ErrCancelTokenMismatch
	}

	m.mu.Lock()
	m.cancelFlags[jobID] = true
	m.mu.Unlock()

	if job.Status.Terminal() {
		return nil
	}
	return m.Jobs.UpdateStatus(ctx, jobID, domain.JobCancelled, "cancelled by request")
}

// Cancelled reports whether jobID has an in-memory cancellation flag set.
// This is what the LLM engine runner's retry-boundary and heartbeat checks
// call.
func (m *Manager) Cancelled(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelFlags[jobID]
}

// CheckStale applies the hard-cap belt-and-suspenders check: if job has
// been pending/running longer than StaleRunCap, it's forced into failed.
// Called on every status read, per spec.
func (m *Manager) CheckStale(ctx context.Context, job *domain.Job) *domain.Job {
	if job.Status.Terminal() || job.StartedAt == nil {
		return job
	}
	if time.Since(*job.StartedAt) <= StaleRunCap {
		return job
	}
	if err := m.Jobs.UpdateStatus(ctx, job.JobID, domain.JobFailed, "maximum runtime exceeded"); err != nil {
		slog.ErrorContext(ctx, "failed to mark stale job failed", "job_id", job.JobID, "error", err)
		return job
	}
	job.Status = domain.JobFailed
	job.Error = "maximum runtime exceeded"
	return job
}

// Delete removes a job and cascades to its phase outputs, refusing unless
// the job is already in a terminal state.
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	job, err := m.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return ErrNotDeletable
	}
	return m.Jobs.Delete(ctx, jobID)
}

// RecoverOrphans runs once at startup: every job left pending/running from
// a prior process gets one of four dispositions per spec §4.9.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	pending, err := m.Jobs.List(ctx, domain.JobPending, 0)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	running, err := m.Jobs.List(ctx, domain.JobRunning, 0)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}

	for _, job := range append(pending, running...) {
		m.recoverOne(ctx, job)
	}
	return nil
}

func (m *Manager) recoverOne(ctx context.Context, job *domain.Job) {
	switch {
	case job.PlanData != nil:
		slog.InfoContext(ctx, "recovering orphaned job with plan snapshot, resuming", "job_id", job.JobID)
		if err := m.Jobs.UpdateStatus(ctx, job.JobID, domain.JobPending, ""); err != nil {
			slog.ErrorContext(ctx, "failed to reset orphan to pending", "job_id", job.JobID, "error", err)
			return
		}
		m.TriggerResume(ctx, job, true)

	case len(job.DocumentIDs) > 0:
		slog.InfoContext(ctx, "recovering orphaned job from request snapshot, replanning", "job_id", job.JobID)
		m.TriggerResume(ctx, job, false)

	case time.Since(job.CreatedAt) > OrphanGracePeriod:
		slog.WarnContext(ctx, "orphaned job has neither plan nor request snapshot past grace period, failing", "job_id", job.JobID)
		if err := m.Jobs.UpdateStatus(ctx, job.JobID, domain.JobFailed, "process terminated unexpectedly"); err != nil {
			slog.ErrorContext(ctx, "failed to fail orphan", "job_id", job.JobID, "error", err)
		}

	default:
		slog.InfoContext(ctx, "orphaned job is within grace period, leaving alone", "job_id", job.JobID)
	}
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
