package dto

import (
	"time"

	"basegraph.app/analysisd/internal/domain"
)

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	PlanID      string                 `json:"plan_id" binding:"required"`
	WorkflowKey string                 `json:"workflow_key"`
	DocumentIDs []string               `json:"document_ids"`
	Plan        *domain.ExecutionPlan  `json:"plan,omitempty"`
}

// CreateJobResponse carries the one-time cancel token alongside the new job.
type CreateJobResponse struct {
	Job         JobResponse `json:"job"`
	CancelToken string      `json:"cancel_token,omitempty"`
	Created     bool        `json:"created"`
}

// CancelJobRequest is the body of POST /jobs/{id}/cancel.
type CancelJobRequest struct {
	CancelToken string `json:"cancel_token" binding:"required"`
}

// JobResponse is the status/progress document returned by GET /jobs/{id}
// and embedded in list/create responses.
type JobResponse struct {
	JobID             string                                 `json:"job_id"`
	PlanID            string                                 `json:"plan_id"`
	WorkflowKey       string                                 `json:"workflow_key"`
	Status            domain.JobStatus                       `json:"status"`
	Progress          domain.JobProgress                      `json:"progress"`
	Error             string                                  `json:"error,omitempty"`
	TotalLLMCalls     int                                     `json:"total_llm_calls"`
	TotalInputTokens  int                                     `json:"total_input_tokens"`
	TotalOutputTokens int                                     `json:"total_output_tokens"`
	CreatedAt         time.Time                               `json:"created_at"`
	StartedAt         *time.Time                              `json:"started_at,omitempty"`
	CompletedAt       *time.Time                              `json:"completed_at,omitempty"`
}

func ToJobResponse(j *domain.Job) JobResponse {
	return JobResponse{
		JobID:             j.JobID,
		PlanID:            j.PlanID,
		WorkflowKey:       j.WorkflowKey,
		Status:            j.Status,
		Progress:          j.Progress,
		Error:             j.Error,
		TotalLLMCalls:     j.TotalLLMCalls,
		TotalInputTokens:  j.TotalInputTokens,
		TotalOutputTokens: j.TotalOutputTokens,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
	}
}

// JobResultsResponse is the per-phase summary returned by GET /jobs/{id}/results.
type JobResultsResponse struct {
	JobID   string                                 `json:"job_id"`
	Status  domain.JobStatus                       `json:"status"`
	Phases  map[string]domain.PhaseResultSummary    `json:"phases"`
}

// PhaseProseResponse is the full prose returned by GET /jobs/{id}/phases/{n}.
type PhaseProseResponse struct {
	PhaseNumber float64                `json:"phase_number"`
	Outputs     []PhaseOutputResponse  `json:"outputs"`
}

type PhaseOutputResponse struct {
	EngineKey    string `json:"engine_key"`
	PassNumber   int    `json:"pass_number"`
	WorkKey      string `json:"work_key,omitempty"`
	StanceKey    string `json:"stance_key,omitempty"`
	Content      string `json:"content"`
	ModelUsed    string `json:"model_used"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func ToPhaseOutputResponse(o *domain.PhaseOutput) PhaseOutputResponse {
	return PhaseOutputResponse{
		EngineKey:    o.EngineKey,
		PassNumber:   o.PassNumber,
		WorkKey:      o.WorkKey,
		StanceKey:    o.StanceKey,
		Content:      o.Content,
		ModelUsed:    o.ModelUsed,
		InputTokens:  o.InputTokens,
		OutputTokens: o.OutputTokens,
	}
}
