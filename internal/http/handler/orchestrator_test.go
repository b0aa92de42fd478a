package handler_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"basegraph.app/analysisd/internal/http/handler"
)

func TestOrchestratorHandler_PlanRejectsMalformedBody(t *testing.T) {
	h := &handler.OrchestratorHandler{}
	router := newTestRouter()
	router.POST("/orchestrator/plan", h.Plan)

	req := httptest.NewRequest(http.MethodPost, "/orchestrator/plan", bytes.NewBufferString(`{`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOrchestratorHandler_PlanAdaptiveRequiresObjective(t *testing.T) {
	h := &handler.OrchestratorHandler{}
	router := newTestRouter()
	router.POST("/orchestrator/plan/adaptive", h.PlanAdaptive)

	body := []byte(`{"target_work":{"doc_id":"doc_1","title":"Zarathustra"}}`)
	req := httptest.NewRequest(http.MethodPost, "/orchestrator/plan/adaptive", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (objective required for adaptive planning), body = %s", w.Code, w.Body.String())
	}
}

func TestOrchestratorHandler_AnalyzeRejectsMalformedBody(t *testing.T) {
	h := &handler.OrchestratorHandler{}
	router := newTestRouter()
	router.POST("/orchestrator/analyze", h.Analyze)

	req := httptest.NewRequest(http.MethodPost, "/orchestrator/analyze", bytes.NewBufferString(`not json`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
