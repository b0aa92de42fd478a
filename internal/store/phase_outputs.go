package store

import (
	"context"
	"database/sql"
	"errors"

	"basegraph.app/analysisd/core/db"
	"basegraph.app/analysisd/internal/domain"
)

// PhaseOutputStore persists PhaseOutput rows. Upsert is the primary write
// path: re-running a phase with the same (job, phase, engine, pass, work)
// coordinates replaces the prior row rather than creating a duplicate,
// which is what makes resumed phases idempotent.
type PhaseOutputStore struct {
	db *db.DB
}

// HandleConn exposes the store's root (non-transactional) connection for
// callers that need to pass a db.Conn into Upsert outside of a WithTx block.
func (s *PhaseOutputStore) HandleConn() db.Conn {
	return s.db.Handle()
}

// Upsert inserts or replaces a phase output by its unique coordinate tuple.
func (s *PhaseOutputStore) Upsert(ctx context.Context, conn db.Conn, o *domain.PhaseOutput) error {
	meta, err := marshalJSON(o.Metadata)
	if err != nil {
		return err
	}

	existing, err := s.find(ctx, conn, o.JobID, o.PhaseNumber, o.EngineKey, o.PassNumber, o.WorkKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		_, err := conn.ExecContext(ctx, `
			UPDATE phase_outputs
			SET stance_key = ?, role = ?, content = ?, model_used = ?,
			    input_tokens = ?, output_tokens = ?, parent_id = ?, metadata = ?, created_at = ?
			WHERE id = ?`,
			o.StanceKey, o.Role, o.Content, o.ModelUsed, o.InputTokens, o.OutputTokens,
			o.ParentID, meta, formatTime(o.CreatedAt), existing.ID)
		o.ID = existing.ID
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO phase_outputs
			(id, job_id, phase_number, engine_key, pass_number, work_key, stance_key, role,
			 content, model_used, input_tokens, output_tokens, parent_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.JobID, o.PhaseNumber, o.EngineKey, o.PassNumber, o.WorkKey, o.StanceKey, o.Role,
		o.Content, o.ModelUsed, o.InputTokens, o.OutputTokens, o.ParentID, meta, formatTime(o.CreatedAt))
	return err
}

func (s *PhaseOutputStore) find(ctx context.Context, conn db.Conn, jobID string, phase float64, engineKey string, pass int, workKey string) (*domain.PhaseOutput, error) {
	row := conn.QueryRowContext(ctx, `
		SELECT id FROM phase_outputs
		WHERE job_id = ? AND phase_number = ? AND engine_key = ? AND pass_number = ? AND work_key = ?`,
		jobID, phase, engineKey, pass, workKey)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &domain.PhaseOutput{ID: id}, nil
}

// ForJobPhase returns every output recorded for one phase of one job,
// ordered by engine then pass then work key — the shape the context broker
// and chain runner read back for cross-phase and inner-pass assembly.
func (s *PhaseOutputStore) ForJobPhase(ctx context.Context, jobID string, phase float64) ([]*domain.PhaseOutput, error) {
	return s.query(ctx, `
		SELECT id, job_id, phase_number, engine_key, pass_number, work_key, stance_key, role,
		       content, model_used, input_tokens, output_tokens, parent_id, metadata, created_at
		FROM phase_outputs WHERE job_id = ? AND phase_number = ?
		ORDER BY engine_key, pass_number, work_key`, jobID, phase)
}

// ForJob returns every output recorded for a job across all phases, ordered
// for stable presentation rendering.
func (s *PhaseOutputStore) ForJob(ctx context.Context, jobID string) ([]*domain.PhaseOutput, error) {
	return s.query(ctx, `
		SELECT id, job_id, phase_number, engine_key, pass_number, work_key, stance_key, role,
		       content, model_used, input_tokens, output_tokens, parent_id, metadata, created_at
		FROM phase_outputs WHERE job_id = ?
		ORDER BY phase_number, engine_key, pass_number, work_key`, jobID)
}

// ForJobEngine returns every pass recorded for one engine across a job,
// ordered by phase then pass — used by chain-context assembly when a later
// phase needs a specific engine's running history.
func (s *PhaseOutputStore) ForJobEngine(ctx context.Context, jobID, engineKey string) ([]*domain.PhaseOutput, error) {
	return s.query(ctx, `
		SELECT id, job_id, phase_number, engine_key, pass_number, work_key, stance_key, role,
		       content, model_used, input_tokens, output_tokens, parent_id, metadata, created_at
		FROM phase_outputs WHERE job_id = ? AND engine_key = ?
		ORDER BY phase_number, pass_number`, jobID, engineKey)
}

func (s *PhaseOutputStore) query(ctx context.Context, query string, args ...any) ([]*domain.PhaseOutput, error) {
	rows, err := s.db.Handle().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outs []*domain.PhaseOutput
	for rows.Next() {
		var (
			o         domain.PhaseOutput
			parentID  sql.NullInt64
			meta      string
			createdAt string
		)
		if err := rows.Scan(&o.ID, &o.JobID, &o.PhaseNumber, &o.EngineKey, &o.PassNumber, &o.WorkKey, &o.StanceKey, &o.Role,
			&o.Content, &o.ModelUsed, &o.InputTokens, &o.OutputTokens, &parentID, &meta, &createdAt); err != nil {
			return nil, err
		}
		if parentID.Valid {
			id := parentID.Int64
			o.ParentID = &id
		}
		if err := unmarshalJSON(meta, &o.Metadata); err != nil {
			return nil, err
		}
		o.CreatedAt = parseTime(createdAt)
		outs = append(outs, &o)
	}
	return outs, rows.Err()
}
