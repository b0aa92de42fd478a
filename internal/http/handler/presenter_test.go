package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"basegraph.app/analysisd/internal/http/dto"
	"basegraph.app/analysisd/internal/http/handler"
	"basegraph.app/analysisd/internal/jobmanager"
)

func newPresenterHandler(t *testing.T) (*handler.PresenterHandler, *jobmanager.Manager) {
	t.Helper()
	stores := newTestStores(t)
	m := jobmanager.New(stores.Jobs, nil)
	return &handler.PresenterHandler{Jobs: stores.Jobs}, m
}

func TestPresenterHandler_PrepareRequiresPersistedPlan(t *testing.T) {
	h, m := newPresenterHandler(t)
	_, _, _, err := m.Create(context.Background(), jobmanager.CreateRequest{PlanID: "plan_no_data"})
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	job, err := m.Jobs.List(context.Background(), "", 1)
	if err != nil || len(job) == 0 {
		t.Fatalf("seed list failed: %v", err)
	}

	router := newTestRouter()
	router.POST("/presenter/prepare/:job", h.Prepare)

	req := httptest.NewRequest(http.MethodPost, "/presenter/prepare/"+job[0].JobID, bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for a job with no persisted plan, body=%s", w.Code, w.Body.String())
	}
}

func TestPresenterHandler_PrepareUnknownJob(t *testing.T) {
	h, _ := newPresenterHandler(t)
	router := newTestRouter()
	router.POST("/presenter/prepare/:job", h.Prepare)

	req := httptest.NewRequest(http.MethodPost, "/presenter/prepare/nope", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestPresenterHandler_StatusWithoutPlanDataOmitsPresentationFields(t *testing.T) {
	h, m := newPresenterHandler(t)
	job, _, _, err := m.Create(context.Background(), jobmanager.CreateRequest{PlanID: "plan_status"})
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	router := newTestRouter()
	router.GET("/presenter/status/:job", h.Status)

	req := httptest.NewRequest(http.MethodGet, "/presenter/status/"+job.JobID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp dto.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.PresentationDone {
		t.Errorf("PresentationDone = true, want false for a job with no plan data")
	}
	if resp.Job.JobID != job.JobID {
		t.Errorf("Job.JobID = %q, want %q", resp.Job.JobID, job.JobID)
	}
}

func TestPresenterHandler_PolishRejectsMissingContent(t *testing.T) {
	h, _ := newPresenterHandler(t)
	router := newTestRouter()
	router.POST("/presenter/polish/:job/:view_key/:school", h.Polish)

	req := httptest.NewRequest(http.MethodPost, "/presenter/polish/job_1/view_1/academic", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
