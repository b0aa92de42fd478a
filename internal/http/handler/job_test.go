package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/http/dto"
	"basegraph.app/analysisd/internal/http/handler"
	"basegraph.app/analysisd/internal/jobmanager"
)

func newJobHandler(t *testing.T) (*handler.JobHandler, *jobmanager.Manager) {
	t.Helper()
	stores := newTestStores(t)
	m := jobmanager.New(stores.Jobs, nil)
	return &handler.JobHandler{Manager: m, Jobs: stores.Jobs, Outputs: stores.PhaseOutputs}, m
}

func TestJobHandler_CreateWithoutInlinePlanStaysPending(t *testing.T) {
	h, _ := newJobHandler(t)
	router := newTestRouter()
	router.POST("/jobs", h.Create)

	body, _ := json.Marshal(dto.CreateJobRequest{PlanID: "plan_1", DocumentIDs: []string{"doc_1"}})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp dto.CreateJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Created {
		t.Errorf("Created = false, want true")
	}
	if resp.Job.Status != domain.JobPending {
		t.Errorf("Status = %v, want pending", resp.Job.Status)
	}
	if resp.CancelToken == "" {
		t.Errorf("CancelToken is empty")
	}
}

func TestJobHandler_CreateWithInlinePlanTriggersResume(t *testing.T) {
	h, m := newJobHandler(t)
	enq := &noopEnqueuer{}
	m.Queue = enq

	router := newTestRouter()
	router.POST("/jobs", h.Create)

	plan := &domain.ExecutionPlan{PlanID: "plan_2"}
	body, _ := json.Marshal(dto.CreateJobRequest{PlanID: "plan_2", Plan: plan})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if enq.calls != 1 {
		t.Errorf("enqueuer called %d times, want 1 (inline plan should trigger resume)", enq.calls)
	}
}

func TestJobHandler_CreateRejectsMalformedBody(t *testing.T) {
	h, _ := newJobHandler(t)
	router := newTestRouter()
	router.POST("/jobs", h.Create)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(`{`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if _, ok := resp["detail"]; !ok {
		t.Errorf("error body missing detail key: %v", resp)
	}
}

func TestJobHandler_GetNotFound(t *testing.T) {
	h, _ := newJobHandler(t)
	router := newTestRouter()
	router.GET("/jobs/:id", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestJobHandler_CancelTokenMismatch(t *testing.T) {
	h, m := newJobHandler(t)
	router := newTestRouter()
	router.POST("/jobs", h.Create)
	router.POST("/jobs/:id/cancel", h.Cancel)

	body, _ := json.Marshal(dto.CreateJobRequest{PlanID: "plan_3"})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var created dto.CreateJobResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	cancelBody, _ := json.Marshal(dto.CancelJobRequest{CancelToken: "wrong-token"})
	req2 := httptest.NewRequest(http.MethodPost, "/jobs/"+created.Job.JobID+"/cancel", bytes.NewReader(cancelBody))
	req2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)

	if w2.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body=%s", w2.Code, w2.Body.String())
	}
	_ = m
}

func TestJobHandler_DeleteRefusesNonTerminalJob(t *testing.T) {
	h, _ := newJobHandler(t)
	router := newTestRouter()
	router.POST("/jobs", h.Create)
	router.DELETE("/jobs/:id", h.Delete)

	body, _ := json.Marshal(dto.CreateJobRequest{PlanID: "plan_4"})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var created dto.CreateJobResponse
	json.Unmarshal(w.Body.Bytes(), &created)

	req2 := httptest.NewRequest(http.MethodDelete, "/jobs/"+created.Job.JobID, nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)

	if w2.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for a pending job, body=%s", w2.Code, w2.Body.String())
	}
}

func TestJobHandler_List(t *testing.T) {
	h, _ := newJobHandler(t)
	router := newTestRouter()
	router.POST("/jobs", h.Create)
	router.GET("/jobs", h.List)

	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(dto.CreateJobRequest{PlanID: "plan_list_" + string(rune('a'+i))})
		req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("seed create failed: %d %s", w.Code, w.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs?status=pending", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var jobs []dto.JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len(jobs) = %d, want 3", len(jobs))
	}
}
