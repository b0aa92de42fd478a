package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"basegraph.app/analysisd/core/db"
	"basegraph.app/analysisd/internal/domain"
)

// JobStore persists Job rows. The phase-results JSON column is merged by
// read-modify-write (SavePhaseResult); progress is overwritten wholesale,
// and status and token counters use direct column updates.
type JobStore struct {
	db *db.DB
}

// Create inserts a new job row. Callers are expected to have already
// generated JobID (snowflake-derived, see common/id) and CancelToken
// (random, see jobmanager's generateSecureToken).
func (s *JobStore) Create(ctx context.Context, conn db.Conn, j *domain.Job) error {
	phaseResults, err := marshalJSON(j.PhaseResults)
	if err != nil {
		return err
	}
	progress, err := marshalJSON(j.Progress)
	if err != nil {
		return err
	}
	planData, err := marshalJSON(j.PlanData)
	if err != nil {
		return err
	}
	docIDs, err := marshalJSON(j.DocumentIDs)
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO executor_jobs
			(job_id, plan_id, workflow_key, status, progress, phase_results, error,
			 total_llm_calls, total_input_tokens, total_output_tokens,
			 plan_data, document_ids, cancel_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.PlanID, j.WorkflowKey, string(j.Status), progress, phaseResults, j.Error,
		j.TotalLLMCalls, j.TotalInputTokens, j.TotalOutputTokens,
		planData, docIDs, j.CancelToken, formatTime(j.CreatedAt),
	)
	return err
}

// Get loads a job by ID using the store's root connection.
func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.get(ctx, s.db.Handle(), jobID)
}

// HandleConn exposes the store's root (non-transactional) connection, for
// callers issuing a single statement outside of WithTx.
func (s *JobStore) HandleConn() db.Conn {
	return s.db.Handle()
}

// WithTx runs fn inside a transaction against this store's database,
// letting callers compose multi-store writes (e.g. SavePhaseResult)
// atomically without reaching into the db package directly.
func (s *JobStore) WithTx(ctx context.Context, fn func(db.Conn) error) error {
	return s.db.WithTx(ctx, fn)
}

// GetTx loads a job by ID inside an existing transaction, used when a
// caller needs to read-modify-write the row atomically.
func (s *JobStore) GetTx(ctx context.Context, conn db.Conn, jobID string) (*domain.Job, error) {
	return s.get(ctx, conn, jobID)
}

func (s *JobStore) get(ctx context.Context, conn db.Conn, jobID string) (*domain.Job, error) {
	row := conn.QueryRowContext(ctx, `
		SELECT job_id, plan_id, workflow_key, status, progress, phase_results, error,
		       total_llm_calls, total_input_tokens, total_output_tokens,
		       plan_data, document_ids, cancel_token, created_at, started_at, completed_at
		FROM executor_jobs WHERE job_id = ?`, jobID)

	var (
		j                                        domain.Job
		status                                   string
		progress, phaseResults, planData         string
		docIDs                                   string
		createdAt                                string
		errMsg                                    sql.NullString
		startedAt, completedAt, workflowKey       sql.NullString
	)
	err := row.Scan(&j.JobID, &j.PlanID, &workflowKey, &status, &progress, &phaseResults, &errMsg,
		&j.TotalLLMCalls, &j.TotalInputTokens, &j.TotalOutputTokens,
		&planData, &docIDs, &j.CancelToken, &createdAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	j.Status = domain.JobStatus(status)
	j.WorkflowKey = workflowKey.String
	j.Error = errMsg.String
	j.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		j.CompletedAt = &t
	}
	if err := unmarshalJSON(progress, &j.Progress); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(phaseResults, &j.PhaseResults); err != nil {
		return nil, err
	}
	if planData != "" {
		var plan domain.ExecutionPlan
		if err := unmarshalJSON(planData, &plan); err != nil {
			return nil, err
		}
		j.PlanData = &plan
	}
	if err := unmarshalJSON(docIDs, &j.DocumentIDs); err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateStatus transitions a job's status, stamping StartedAt/CompletedAt as
// appropriate. Terminal transitions always set completed_at. A job already
// in a terminal status is left unchanged.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	now := formatTime(time.Now())
	if status == domain.JobRunning {
		return s.db.Exec(ctx, `
			UPDATE executor_jobs SET status = ?, error = ?, started_at = COALESCE(started_at, ?)
			WHERE job_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`, string(status), errMsg, now, jobID)
	}
	if status.Terminal() {
		return s.db.Exec(ctx, `
			UPDATE executor_jobs SET status = ?, error = ?, completed_at = ?
			WHERE job_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`, string(status), errMsg, now, jobID)
	}
	return s.db.Exec(ctx, `UPDATE executor_jobs SET status = ?, error = ? WHERE job_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`, string(status), errMsg, jobID)
}

// SavePlan persists a generated plan snapshot against an already-created
// job, so a resume after restart can skip replanning. Called once by the
// all-in-one analyze flow right after Generate returns.
func (s *JobStore) SavePlan(ctx context.Context, jobID string, plan domain.ExecutionPlan) error {
	planData, err := marshalJSON(plan)
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `UPDATE executor_jobs SET plan_data = ? WHERE job_id = ?`, planData, jobID)
}

// UpdateProgress overwrites the progress snapshot wholesale.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress domain.JobProgress) error {
	p, err := marshalJSON(progress)
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `UPDATE executor_jobs SET progress = ? WHERE job_id = ?`, p, jobID)
}

// AddTokens increments the running token/call counters for a job.
func (s *JobStore) AddTokens(ctx context.Context, conn db.Conn, jobID string, calls, inputTokens, outputTokens int) error {
	_, err := conn.ExecContext(ctx, `
		UPDATE executor_jobs
		SET total_llm_calls = total_llm_calls + ?,
		    total_input_tokens = total_input_tokens + ?,
		    total_output_tokens = total_output_tokens + ?
		WHERE job_id = ?`, calls, inputTokens, outputTokens, jobID)
	return err
}

// SavePhaseResult does the read-modify-write merge of one phase's compact
// result summary into the job's phase_results JSON column, inside the
// caller's transaction.
func (s *JobStore) SavePhaseResult(ctx context.Context, conn db.Conn, jobID string, result domain.PhaseResultSummary) error {
	j, err := s.GetTx(ctx, conn, jobID)
	if err != nil {
		return err
	}
	if j.PhaseResults == nil {
		j.PhaseResults = map[string]domain.PhaseResultSummary{}
	}
	j.PhaseResults[phaseKey(result.PhaseNumber)] = result
	blob, err := marshalJSON(j.PhaseResults)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `UPDATE executor_jobs SET phase_results = ? WHERE job_id = ?`, blob, jobID)
	return err
}

// List returns jobs, optionally filtered by status, most recent first.
// limit <= 0 means unlimited.
func (s *JobStore) List(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	var rows *sql.Rows
	var err error
	switch {
	case status != "" && limit > 0:
		rows, err = s.db.Handle().QueryContext(ctx, `
			SELECT job_id FROM executor_jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
	case status != "":
		rows, err = s.db.Handle().QueryContext(ctx, `
			SELECT job_id FROM executor_jobs WHERE status = ? ORDER BY created_at DESC`, string(status))
	case limit > 0:
		rows, err = s.db.Handle().QueryContext(ctx, `
			SELECT job_id FROM executor_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	default:
		rows, err = s.db.Handle().QueryContext(ctx, `
			SELECT job_id FROM executor_jobs ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListRunningOlderThan finds jobs still in "running" that started before
// cutoff — the stale/orphan-recovery scan's entry point.
func (s *JobStore) ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.Job, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT job_id FROM executor_jobs WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(domain.JobRunning), formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Delete removes a job and its phase outputs. Callers must verify the job is
// in a terminal state first; this method does not enforce it.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	return s.db.WithTx(ctx, func(tx db.Conn) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM phase_outputs WHERE job_id = ?`, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM view_refinements WHERE job_id = ?`, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM polish_cache WHERE job_id = ?`, jobID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM executor_jobs WHERE job_id = ?`, jobID)
		return err
	})
}

func phaseKey(phase float64) string {
	return formatPhase(phase)
}
