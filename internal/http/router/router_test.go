package router_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"basegraph.app/analysisd/internal/http/handler"
	"basegraph.app/analysisd/internal/http/router"
	"github.com/gin-gonic/gin"
)

func TestSetupRoutes_HealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	router.SetupRoutes(r, &router.Handlers{
		Jobs:         &handler.JobHandler{},
		Documents:    &handler.DocumentHandler{},
		Presenter:    &handler.PresenterHandler{},
		Orchestrator: &handler.OrchestratorHandler{},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", w.Code)
	}
}

func TestSetupRoutes_RegistersExpectedGroups(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	router.SetupRoutes(r, &router.Handlers{
		Jobs:         &handler.JobHandler{},
		Documents:    &handler.DocumentHandler{},
		Presenter:    &handler.PresenterHandler{},
		Orchestrator: &handler.OrchestratorHandler{},
	})

	paths := map[string]bool{}
	for _, ri := range r.Routes() {
		paths[ri.Method+" "+ri.Path] = true
	}

	want := []string{
		"GET /health",
		"POST /jobs",
		"GET /jobs",
		"GET /jobs/:id",
		"DELETE /jobs/:id",
		"POST /jobs/:id/cancel",
		"GET /jobs/:id/results",
		"GET /jobs/:id/phases/:n",
		"PUT /documents/:id",
		"GET /documents/:id",
		"DELETE /documents/:id",
		"POST /presenter/compose/:job",
		"POST /presenter/prepare/:job",
		"POST /presenter/refine-views/:job",
		"GET /presenter/page/:job",
		"GET /presenter/view/:job/:view_key",
		"GET /presenter/status/:job",
		"POST /presenter/polish/:job/:view_key/:school",
		"POST /orchestrator/plan",
		"POST /orchestrator/plan/adaptive",
		"POST /orchestrator/analyze",
	}
	for _, p := range want {
		if !paths[p] {
			t.Errorf("missing route %q", p)
		}
	}
}
