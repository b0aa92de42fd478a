package domain

import "time"

// PhaseOutput is the durable record of one engine's contribution to one
// phase of one job. The tuple (JobID, PhaseNumber, EngineKey, PassNumber,
// WorkKey) is unique: re-running a phase with the same coordinates replaces
// rather than duplicates the row, which is what makes phase execution
// idempotent across resumes.
type PhaseOutput struct {
	ID           int64
	JobID        string
	PhaseNumber  float64
	EngineKey    string
	PassNumber   int
	WorkKey      string
	StanceKey    string
	Role         string
	Content      string
	ModelUsed    string
	InputTokens  int
	OutputTokens int
	ParentID     *int64
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Document is a source text attached to a job: an uploaded file, a prior
// phase's distilled output promoted to document status, or a placeholder
// standing in for a document referenced by ID but not yet uploaded.
type Document struct {
	DocID     string
	Title     string
	Author    string
	Role      string
	Content   string
	CharCount int
	CreatedAt time.Time
	// Placeholder is true when Content is empty because the document was
	// referenced by ID before its content arrived; context assembly renders
	// a placeholder block instead of failing the phase.
	Placeholder bool
}
