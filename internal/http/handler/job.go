package handler

import (
	"errors"
	"net/http"
	"strconv"

	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/http/dto"
	"basegraph.app/analysisd/internal/jobmanager"
	"basegraph.app/analysisd/internal/store"
	"github.com/gin-gonic/gin"
)

// JobHandler exposes job lifecycle and result retrieval over HTTP.
type JobHandler struct {
	Manager *jobmanager.Manager
	Jobs    *store.JobStore
	Outputs *store.PhaseOutputStore
}

// Create handles POST /jobs. When Plan is supplied inline the job is
// persisted with it and execution starts immediately; otherwise the job is
// created pending and left for orphan recovery or a later resume trigger.
func (h *JobHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	job, token, created, err := h.Manager.Create(ctx, jobmanager.CreateRequest{
		PlanID:      req.PlanID,
		WorkflowKey: req.WorkflowKey,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	if created && req.Plan != nil {
		req.Plan.JobID = job.JobID
		req.Plan.PlanID = job.PlanID
		if err := h.Jobs.SavePlan(ctx, job.JobID, *req.Plan); err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		job.PlanData = req.Plan
		h.Manager.TriggerResume(ctx, job, true)
	}

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		Job:         dto.ToJobResponse(job),
		CancelToken: token,
		Created:     created,
	})
}

// List handles GET /jobs, optionally filtered by ?status=.
func (h *JobHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	status := domain.JobStatus(c.Query("status"))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := h.Jobs.List(ctx, status, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]dto.JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, dto.ToJobResponse(h.Manager.CheckStale(ctx, j)))
	}
	c.JSON(http.StatusOK, out)
}

// Get handles GET /jobs/{id}. Always returns a well-formed status document
// regardless of the job's terminal outcome.
func (h *JobHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.Jobs.Get(ctx, c.Param("id"))
	if err != nil {
		failStore(c, err)
		return
	}
	job = h.Manager.CheckStale(ctx, job)
	c.JSON(http.StatusOK, dto.ToJobResponse(job))
}

// Cancel handles POST /jobs/{id}/cancel.
func (h *JobHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	var req dto.CancelJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Manager.Cancel(ctx, c.Param("id"), req.CancelToken); err != nil {
		if errors.Is(err, jobmanager.ErrCancelTokenMismatch) {
			fail(c, http.StatusForbidden, "cancel token mismatch")
			return
		}
		failStore(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete handles DELETE /jobs/{id}.
func (h *JobHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.Manager.Delete(ctx, c.Param("id")); err != nil {
		if errors.Is(err, jobmanager.ErrNotDeletable) {
			fail(c, http.StatusConflict, "job is not in a terminal state")
			return
		}
		failStore(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Results handles GET /jobs/{id}/results: the per-phase summary table.
func (h *JobHandler) Results(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.Jobs.Get(ctx, c.Param("id"))
	if err != nil {
		failStore(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.JobResultsResponse{
		JobID:  job.JobID,
		Status: job.Status,
		Phases: job.PhaseResults,
	})
}

// Phase handles GET /jobs/{id}/phases/{n}: full prose for one phase,
// queryable even on a failed job for whatever partial output exists.
func (h *JobHandler) Phase(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")
	phaseNum, err := strconv.ParseFloat(c.Param("n"), 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid phase number")
		return
	}

	if _, err := h.Jobs.Get(ctx, jobID); err != nil {
		failStore(c, err)
		return
	}

	outputs, err := h.Outputs.ForJobPhase(ctx, jobID, phaseNum)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	resp := dto.PhaseProseResponse{PhaseNumber: phaseNum}
	for _, o := range outputs {
		resp.Outputs = append(resp.Outputs, dto.ToPhaseOutputResponse(o))
	}
	c.JSON(http.StatusOK, resp)
}
