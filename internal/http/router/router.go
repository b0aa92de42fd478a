package router

import (
	"net/http"

	"basegraph.app/analysisd/internal/http/handler"
	"github.com/gin-gonic/gin"
)

// Handlers bundles every route group's handler, built by cmd/analysisd's
// wiring once all stores/services exist.
type Handlers struct {
	Jobs         *handler.JobHandler
	Documents    *handler.DocumentHandler
	Presenter    *handler.PresenterHandler
	Orchestrator *handler.OrchestratorHandler
}

// SetupRoutes wires every route group onto router.
func SetupRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	jobs := router.Group("/jobs")
	{
		jobs.POST("", h.Jobs.Create)
		jobs.GET("", h.Jobs.List)
		jobs.GET("/:id", h.Jobs.Get)
		jobs.DELETE("/:id", h.Jobs.Delete)
		jobs.POST("/:id/cancel", h.Jobs.Cancel)
		jobs.GET("/:id/results", h.Jobs.Results)
		jobs.GET("/:id/phases/:n", h.Jobs.Phase)
	}

	documents := router.Group("/documents")
	{
		documents.PUT("/:id", h.Documents.Upsert)
		documents.GET("/:id", h.Documents.Get)
		documents.DELETE("/:id", h.Documents.Delete)
	}

	presenter := router.Group("/presenter")
	{
		presenter.POST("/compose/:job", h.Presenter.Compose)
		presenter.POST("/prepare/:job", h.Presenter.Prepare)
		presenter.POST("/refine-views/:job", h.Presenter.RefineViews)
		presenter.GET("/page/:job", h.Presenter.Page)
		presenter.GET("/view/:job/:view_key", h.Presenter.View)
		presenter.GET("/status/:job", h.Presenter.Status)
		presenter.POST("/polish/:job/:view_key/:school", h.Presenter.Polish)
	}

	orchestrator := router.Group("/orchestrator")
	{
		orchestrator.POST("/plan", h.Orchestrator.Plan)
		orchestrator.POST("/plan/adaptive", h.Orchestrator.PlanAdaptive)
		orchestrator.POST("/analyze", h.Orchestrator.Analyze)
	}
}
