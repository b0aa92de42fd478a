package store

import (
	"context"
	"database/sql"
	"errors"

	"basegraph.app/analysisd/core/db"
	"basegraph.app/analysisd/internal/domain"
)

// PresentationCacheStore persists per-section, per-output rendered views,
// unique on (OutputID, SectionKey) so a repeat render of an unchanged
// section reuses the cached payload instead of re-calling an LLM.
type PresentationCacheStore struct {
	db *db.DB
}

// Get looks up a cached entry by its natural key. Callers compare
// entry.SourceHash against a freshly computed hash to decide whether the
// cached payload is still valid.
func (s *PresentationCacheStore) Get(ctx context.Context, outputID int64, sectionKey string) (*domain.PresentationCacheEntry, error) {
	row := s.db.Handle().QueryRowContext(ctx, `
		SELECT id, output_id, section_key, source_hash, content_override, payload, model_used, created_at
		FROM presentation_cache WHERE output_id = ? AND section_key = ?`, outputID, sectionKey)

	var (
		e               domain.PresentationCacheEntry
		payload         string
		createdAt       string
		contentOverride bool
	)
	if err := row.Scan(&e.ID, &e.OutputID, &e.SectionKey, &e.SourceHash, &contentOverride, &payload, &e.ModelUsed, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.ContentOverride = contentOverride
	e.CreatedAt = parseTime(createdAt)
	if err := unmarshalJSON(payload, &e.Payload); err != nil {
		return nil, err
	}
	return &e, nil
}

// Upsert replaces whatever cached entry exists for (OutputID, SectionKey).
func (s *PresentationCacheStore) Upsert(ctx context.Context, e *domain.PresentationCacheEntry) error {
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return err
	}
	existing, err := s.Get(ctx, e.OutputID, e.SectionKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		return s.db.Exec(ctx, `
			UPDATE presentation_cache SET source_hash = ?, content_override = ?, payload = ?, model_used = ?, created_at = ?
			WHERE id = ?`, e.SourceHash, e.ContentOverride, payload, e.ModelUsed, formatTime(e.CreatedAt), existing.ID)
	}
	return s.db.Exec(ctx, `
		INSERT INTO presentation_cache (id, output_id, section_key, source_hash, content_override, payload, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OutputID, e.SectionKey, e.SourceHash, e.ContentOverride, payload, e.ModelUsed, formatTime(e.CreatedAt))
}

// ViewRefinementStore persists the one-shot whole-job view refinement pass.
type ViewRefinementStore struct {
	db *db.DB
}

func (s *ViewRefinementStore) Get(ctx context.Context, jobID string) (*domain.ViewRefinement, error) {
	row := s.db.Handle().QueryRowContext(ctx, `
		SELECT job_id, views, change_summary, model_used, input_tokens, output_tokens, created_at
		FROM view_refinements WHERE job_id = ?`, jobID)

	var (
		v         domain.ViewRefinement
		views     string
		createdAt string
	)
	if err := row.Scan(&v.JobID, &views, &v.ChangeSummary, &v.ModelUsed, &v.InputTokens, &v.OutputTokens, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.CreatedAt = parseTime(createdAt)
	if err := unmarshalJSON(views, &v.Views); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *ViewRefinementStore) Upsert(ctx context.Context, v *domain.ViewRefinement) error {
	views, err := marshalJSON(v.Views)
	if err != nil {
		return err
	}
	_, err = s.Get(ctx, v.JobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		return s.db.Exec(ctx, `
			UPDATE view_refinements SET views = ?, change_summary = ?, model_used = ?, input_tokens = ?, output_tokens = ?, created_at = ?
			WHERE job_id = ?`, views, v.ChangeSummary, v.ModelUsed, v.InputTokens, v.OutputTokens, formatTime(v.CreatedAt), v.JobID)
	}
	return s.db.Exec(ctx, `
		INSERT INTO view_refinements (job_id, views, change_summary, model_used, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.JobID, views, v.ChangeSummary, v.ModelUsed, v.InputTokens, v.OutputTokens, formatTime(v.CreatedAt))
}

// PolishCacheStore persists the school-of-thought polish pass, unique on
// (JobID, ViewKey, School).
type PolishCacheStore struct {
	db *db.DB
}

func (s *PolishCacheStore) Get(ctx context.Context, jobID, viewKey, school string) (*domain.PolishCacheEntry, error) {
	row := s.db.Handle().QueryRowContext(ctx, `
		SELECT id, job_id, view_key, school, content, model_used, created_at
		FROM polish_cache WHERE job_id = ? AND view_key = ? AND school = ?`, jobID, viewKey, school)

	var (
		e         domain.PolishCacheEntry
		createdAt string
	)
	if err := row.Scan(&e.ID, &e.JobID, &e.ViewKey, &e.School, &e.Content, &e.ModelUsed, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func (s *PolishCacheStore) Upsert(ctx context.Context, e *domain.PolishCacheEntry) error {
	existing, err := s.Get(ctx, e.JobID, e.ViewKey, e.School)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		return s.db.Exec(ctx, `
			UPDATE polish_cache SET content = ?, model_used = ?, created_at = ? WHERE id = ?`,
			e.Content, e.ModelUsed, formatTime(e.CreatedAt), existing.ID)
	}
	return s.db.Exec(ctx, `
		INSERT INTO polish_cache (id, job_id, view_key, school, content, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.ViewKey, e.School, e.Content, e.ModelUsed, formatTime(e.CreatedAt))
}
