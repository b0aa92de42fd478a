package handler

import (
	"errors"
	"net/http"

	"basegraph.app/analysisd/internal/http/dto"
	"basegraph.app/analysisd/internal/jobmanager"
	"basegraph.app/analysisd/internal/planner"
	"basegraph.app/analysisd/internal/store"
	"github.com/gin-gonic/gin"
)

// OrchestratorHandler exposes plan generation and the all-in-one analyze
// flow over HTTP.
type OrchestratorHandler struct {
	Planner *planner.Planner
	Manager *jobmanager.Manager
	Jobs    *store.JobStore
}

func toPlannerRequest(req dto.PlanRequest) planner.Request {
	toWork := func(w dto.WorkMetaRequest) planner.WorkMeta {
		return planner.WorkMeta{
			DocID:            w.DocID,
			Title:            w.Title,
			Author:           w.Author,
			Year:             w.Year,
			Description:      w.Description,
			RelationshipHint: w.RelationshipHint,
			Text:             w.Text,
		}
	}
	out := planner.Request{
		ThinkerName:      req.ThinkerName,
		TargetWork:       toWork(req.TargetWork),
		ResearchQuestion: req.ResearchQuestion,
		DepthPreference:  req.DepthPreference,
		FocusHint:        req.FocusHint,
		Objective:        req.Objective,
		WorkflowKey:      req.WorkflowKey,
	}
	for _, w := range req.PriorWorks {
		out.PriorWorks = append(out.PriorWorks, toWork(w))
	}
	return out
}

func planErrStatus(err error) int {
	var authErr *planner.AuthError
	var badErr *planner.BadResponseError
	switch {
	case errors.As(err, &authErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &badErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Plan handles POST /orchestrator/plan: fixed-workflow mode.
func (h *OrchestratorHandler) Plan(c *gin.Context) {
	var req dto.PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	req.Objective = ""

	plan, err := h.Planner.Generate(c.Request.Context(), toPlannerRequest(req))
	if err != nil {
		fail(c, planErrStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.PlanResponse{Plan: *plan})
}

// PlanAdaptive handles POST /orchestrator/plan/adaptive: adaptive mode,
// requiring a non-empty Objective to trigger corpus sampling.
func (h *OrchestratorHandler) PlanAdaptive(c *gin.Context) {
	var req dto.PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Objective == "" {
		fail(c, http.StatusBadRequest, "objective is required for adaptive planning")
		return
	}

	plan, err := h.Planner.Generate(c.Request.Context(), toPlannerRequest(req))
	if err != nil {
		fail(c, planErrStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.PlanResponse{Plan: *plan})
}

// Analyze handles POST /orchestrator/analyze: generate a plan, create a
// job against it, persist the plan, and start execution, all in one call.
func (h *OrchestratorHandler) Analyze(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	plan, err := h.Planner.Generate(ctx, toPlannerRequest(req.PlanRequest))
	if err != nil {
		fail(c, planErrStatus(err), err.Error())
		return
	}

	job, token, created, err := h.Manager.Create(ctx, jobmanager.CreateRequest{
		PlanID:      plan.PlanID,
		WorkflowKey: req.WorkflowKey,
		DocumentIDs: req.DocumentIDs,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	if created {
		plan.JobID = job.JobID
		if err := h.Jobs.SavePlan(ctx, job.JobID, *plan); err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		job.PlanData = plan
		h.Manager.TriggerResume(ctx, job, true)
	}

	c.JSON(http.StatusCreated, dto.AnalyzeResponse{
		Job:         dto.ToJobResponse(job),
		CancelToken: token,
		Plan:        *plan,
	})
}
