package handler

import (
	"net/http"

	"basegraph.app/analysisd/internal/http/dto"
	"basegraph.app/analysisd/internal/presentasm"
	"basegraph.app/analysisd/internal/presentbridge"
	"basegraph.app/analysisd/internal/presenter"
	"basegraph.app/analysisd/internal/store"
	"github.com/gin-gonic/gin"
)

// PresenterHandler exposes view preparation, assembly, refinement, and
// polish over HTTP.
type PresenterHandler struct {
	Jobs      *store.JobStore
	Bridge    *presentbridge.Bridge
	Assembler *presentasm.Assembler
	Polisher  *presenter.Polisher
}

// Prepare handles POST /presenter/prepare/{job}.
func (h *PresenterHandler) Prepare(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job")

	job, err := h.Jobs.Get(ctx, jobID)
	if err != nil {
		failStore(c, err)
		return
	}
	if job.PlanData == nil {
		fail(c, http.StatusConflict, "job has no persisted plan yet")
		return
	}

	var req dto.PrepareRequest
	_ = c.ShouldBindJSON(&req)

	summary, err := h.Bridge.PrepareJob(ctx, jobID, *job.PlanData, req.Force)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.ToPrepareResponse(summary))
}

// RefineViews handles POST /presenter/refine-views/{job}.
func (h *PresenterHandler) RefineViews(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job")

	job, err := h.Jobs.Get(ctx, jobID)
	if err != nil {
		failStore(c, err)
		return
	}
	if job.PlanData == nil {
		fail(c, http.StatusConflict, "job has no persisted plan yet")
		return
	}

	refinement, err := h.Assembler.RefineViews(ctx, job, *job.PlanData)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.RefineViewsResponse{Refinement: refinement})
}

// Page handles GET /presenter/page/{job}, optionally ?slim=true.
func (h *PresenterHandler) Page(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job")

	job, err := h.Jobs.Get(ctx, jobID)
	if err != nil {
		failStore(c, err)
		return
	}
	if job.PlanData == nil {
		fail(c, http.StatusConflict, "job has no persisted plan yet")
		return
	}

	slim := c.Query("slim") == "true"
	page, err := h.Assembler.AssemblePage(ctx, job, *job.PlanData, slim)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.ToPageResponse(page))
}

// View handles GET /presenter/view/{job}/{view_key}.
func (h *PresenterHandler) View(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job")

	job, err := h.Jobs.Get(ctx, jobID)
	if err != nil {
		failStore(c, err)
		return
	}
	if job.PlanData == nil {
		fail(c, http.StatusConflict, "job has no persisted plan yet")
		return
	}

	view, err := h.Assembler.AssembleView(ctx, jobID, c.Param("view_key"), *job.PlanData)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if view == nil {
		fail(c, http.StatusNotFound, "view not found")
		return
	}
	c.JSON(http.StatusOK, dto.ViewResponse{View: view})
}

// Status handles GET /presenter/status/{job}: a composed readiness view
// combining job lifecycle state with presentation-preparation progress.
func (h *PresenterHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job")

	job, err := h.Jobs.Get(ctx, jobID)
	if err != nil {
		failStore(c, err)
		return
	}

	resp := dto.StatusResponse{Job: dto.ToJobResponse(job)}
	if job.PlanData != nil {
		if page, err := h.Assembler.AssemblePage(ctx, job, *job.PlanData, true); err == nil {
			resp.PresentationDone = page.ViewCount > 0
			resp.ViewCount = page.ViewCount
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Polish handles POST /presenter/polish/{job}/{view_key}/{school}.
func (h *PresenterHandler) Polish(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job")

	var req dto.PolishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := h.Polisher.Polish(ctx, jobID, c.Param("view_key"), c.Param("school"), req.Content, req.Force)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.PolishResponse{Entry: entry})
}

// Compose handles POST /presenter/compose/{job}: refine, prepare, and
// assemble in one call, the convenience path a client uses when it wants
// the final page without orchestrating the three steps itself.
func (h *PresenterHandler) Compose(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job")

	job, err := h.Jobs.Get(ctx, jobID)
	if err != nil {
		failStore(c, err)
		return
	}
	if job.PlanData == nil {
		fail(c, http.StatusConflict, "job has no persisted plan yet")
		return
	}
	plan := *job.PlanData

	if _, err := h.Assembler.RefineViews(ctx, job, plan); err != nil {
		fail(c, http.StatusInternalServerError, "refine-views: "+err.Error())
		return
	}
	if _, err := h.Bridge.PrepareJob(ctx, jobID, plan, false); err != nil {
		fail(c, http.StatusInternalServerError, "prepare: "+err.Error())
		return
	}
	page, err := h.Assembler.AssemblePage(ctx, job, plan, false)
	if err != nil {
		fail(c, http.StatusInternalServerError, "assemble: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.ToPageResponse(page))
}
