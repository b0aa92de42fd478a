package dto_test

import (
	"testing"
	"time"

	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/http/dto"
)

func TestToJobResponse(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	job := &domain.Job{
		JobID:             "job_1",
		PlanID:            "plan_1",
		WorkflowKey:       "standard_analysis",
		Status:            domain.JobRunning,
		TotalLLMCalls:     3,
		TotalInputTokens:  100,
		TotalOutputTokens: 50,
		CreatedAt:         started,
		StartedAt:         &started,
	}

	got := dto.ToJobResponse(job)

	if got.JobID != job.JobID || got.PlanID != job.PlanID {
		t.Fatalf("ToJobResponse dropped identity fields: %+v", got)
	}
	if got.Status != domain.JobRunning {
		t.Errorf("Status = %v, want %v", got.Status, domain.JobRunning)
	}
	if got.TotalLLMCalls != 3 || got.TotalInputTokens != 100 || got.TotalOutputTokens != 50 {
		t.Errorf("token/call counters not carried over: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt not carried over: %+v", got.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil for a running job", got.CompletedAt)
	}
}

func TestToDocumentResponse(t *testing.T) {
	d := &domain.Document{
		DocID:     "doc_1",
		Title:     "On the Genealogy of Morals",
		Author:    "Nietzsche",
		Role:      "target",
		Content:   "some text",
		CharCount: 9,
		CreatedAt: time.Now(),
	}

	got := dto.ToDocumentResponse(d)

	if got.DocID != "doc_1" || got.Title != d.Title || got.Author != d.Author {
		t.Fatalf("ToDocumentResponse dropped fields: %+v", got)
	}
	if got.CharCount != 9 {
		t.Errorf("CharCount = %d, want 9", got.CharCount)
	}
}

func TestToPhaseOutputResponse(t *testing.T) {
	o := &domain.PhaseOutput{
		EngineKey:    "close_reading",
		PassNumber:   1,
		WorkKey:      "work_1",
		StanceKey:    "formalist",
		Content:      "analysis prose",
		ModelUsed:    "claude-sonnet",
		InputTokens:  200,
		OutputTokens: 400,
	}

	got := dto.ToPhaseOutputResponse(o)

	if got.EngineKey != "close_reading" || got.Content != "analysis prose" {
		t.Fatalf("ToPhaseOutputResponse dropped fields: %+v", got)
	}
	if got.InputTokens != 200 || got.OutputTokens != 400 {
		t.Errorf("token counts not carried over: %+v", got)
	}
}
