// Package domain holds the plain data types shared across the analysis
// pipeline: jobs, plans, phase outputs, documents, and the presentation
// entities derived from them. Nothing in this package talks to a database or
// an LLM provider; it is the vocabulary the rest of the module shares.
package domain

import "time"

// JobStatus is the lifecycle state of a Job. Transitions are one-directional
// except for resume: orphan recovery may reset a running job to pending, and
// the resumer then marks it running again. A terminal status is never
// changed.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether status admits no further transitions other than
// deletion.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is the top-level unit of work tracked across a single execution plan
// run. Progress and PhaseResults are read-modify-write JSON blobs updated
// incrementally as phases complete; PlanData is the serialized ExecutionPlan
// snapshot used to resume after an orphan recovery.
type Job struct {
	JobID             string
	PlanID            string
	WorkflowKey       string
	Status            JobStatus
	Progress          JobProgress
	PhaseResults      map[string]PhaseResultSummary
	Error             string
	TotalLLMCalls     int
	TotalInputTokens  int
	TotalOutputTokens int
	PlanData          *ExecutionPlan
	DocumentIDs       []string
	CancelToken       string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// JobProgress is a compact, human-displayable snapshot of where a run
// currently stands; it is overwritten wholesale on each update rather than
// patched field by field.
type JobProgress struct {
	CurrentPhase    float64 `json:"current_phase"`
	TotalPhases     int     `json:"total_phases"`
	CompletedPhases int     `json:"completed_phases"`
	Message         string  `json:"message,omitempty"`
}

// PhaseResultSummary is the compact record persisted into Job.PhaseResults
// for each completed phase: enough to drive progress reporting and resume
// decisions without re-reading the full PhaseOutput rows.
type PhaseResultSummary struct {
	PhaseNumber float64 `json:"phase_number"`
	Status      string  `json:"status"`
	EngineCount int     `json:"engine_count"`
	Error       string  `json:"error,omitempty"`
}
