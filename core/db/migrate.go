package db

import (
	"context"
	"fmt"

	"basegraph.app/analysisd/core/config"
)

// jsonColumn returns the column type used for a JSON-valued column: native
// JSONB where the backend supports it, plain TEXT (holding a JSON string)
// otherwise. Both backends round-trip transparently at the Go layer since
// store code always marshals/unmarshals through encoding/json regardless.
func (db *DB) jsonColumn() string {
	if db.backend == config.BackendShared {
		return "JSONB"
	}
	return "TEXT"
}

func (db *DB) floatColumn() string {
	if db.backend == config.BackendShared {
		return "DOUBLE PRECISION"
	}
	return "REAL"
}

// migrations is a fixed, append-only list of idempotent DDL steps. New
// entries may add columns or widen types; existing entries are never edited
// or removed, matching the spec's "additive migrations... never drop
// columns" contract. Every statement must be safe to run unconditionally on
// every startup.
func (db *DB) migrations() []string {
	j := db.jsonColumn()
	f := db.floatColumn()

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS executor_jobs (
			job_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			workflow_key TEXT,
			status TEXT NOT NULL,
			progress %s,
			phase_results %s,
			error TEXT,
			total_llm_calls INTEGER NOT NULL DEFAULT 0,
			total_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_output_tokens INTEGER NOT NULL DEFAULT 0,
			plan_data %s,
			document_ids %s,
			cancel_token TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		)`, j, j, j, j),

		`CREATE INDEX IF NOT EXISTS idx_executor_jobs_status ON executor_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executor_jobs_plan_id ON executor_jobs(plan_id, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS phase_outputs (
			id BIGINT PRIMARY KEY,
			job_id TEXT NOT NULL,
			phase_number %s NOT NULL,
			engine_key TEXT NOT NULL,
			pass_number INTEGER NOT NULL,
			work_key TEXT NOT NULL DEFAULT '',
			stance_key TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'extraction',
			content TEXT NOT NULL,
			model_used TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			parent_id BIGINT,
			metadata %s,
			created_at TEXT NOT NULL,
			UNIQUE(job_id, phase_number, engine_key, pass_number, work_key)
		)`, f, j),

		`CREATE INDEX IF NOT EXISTS idx_phase_outputs_job_phase ON phase_outputs(job_id, phase_number)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_outputs_job_engine ON phase_outputs(job_id, engine_key)`,

		`CREATE TABLE IF NOT EXISTS executor_documents (
			doc_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			char_count INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS presentation_cache (
			id BIGINT PRIMARY KEY,
			output_id BIGINT NOT NULL,
			section_key TEXT NOT NULL,
			source_hash TEXT NOT NULL,
			content_override BOOLEAN NOT NULL DEFAULT FALSE,
			payload %s NOT NULL,
			model_used TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(output_id, section_key)
		)`, j),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS view_refinements (
			job_id TEXT PRIMARY KEY,
			views %s NOT NULL,
			change_summary TEXT NOT NULL,
			model_used TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`, j),

		`CREATE TABLE IF NOT EXISTS polish_cache (
			id BIGINT PRIMARY KEY,
			job_id TEXT NOT NULL,
			view_key TEXT NOT NULL,
			school TEXT NOT NULL,
			content TEXT NOT NULL,
			model_used TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(job_id, view_key, school)
		)`,
	}
}

// Bootstrap idempotently creates every table the store layer needs and
// applies the additive migration list. Safe to call on every process start.
func (db *DB) Bootstrap(ctx context.Context) error {
	for i, stmt := range db.migrations() {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	return nil
}
