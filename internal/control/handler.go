package control

import (
	"context"
	"errors"
	"net/http"

	"nald_import/internal/pipeline"
	"nald_import/internal/target"
	"nald_import/platform/httpkit"
	"nald_import/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	defaultRunsLimit    = 50
)

// Orchestrator is the part of the pipeline the trigger surface drives.
type Orchestrator interface {
	Trigger(ctx context.Context, stage, param string) (pipeline.Job, error)
	DeleteQueue(ctx context.Context, stage string) error
	Graph() *pipeline.Graph
	Tracker() *pipeline.Tracker
}

// RunLister reads the persisted run history.
type RunLister interface {
	RecentRuns(ctx context.Context, stage string, limit int) ([]target.RunRecord, error)
}

// Handler exposes manual control over the import pipeline.
type Handler struct {
	orch Orchestrator
	runs RunLister
	val  *validator.Validator
}

func NewHandler(orch Orchestrator, runs RunLister, val *validator.Validator) *Handler {
	return &Handler{orch: orch, runs: runs, val: val}
}

// ListStages handles GET /api/v1/stages
func (h *Handler) ListStages(c *gin.Context) {
	stages := h.orch.Graph().Stages()
	out := make([]StageResponse, 0, len(stages))
	for _, s := range stages {
		out = append(out, stageResponse(s))
	}
	httpkit.OK(c, out)
}

// Trigger handles POST /api/v1/stages/:stage/trigger
// A stage whose singleton key is already held is not an error: the caller
// gets 202 with alreadyQueued set.
func (h *Handler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
			return
		}
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}

	stage := c.Param("stage")
	job, err := h.orch.Trigger(c.Request.Context(), stage, req.Param)
	if errors.Is(err, pipeline.ErrDuplicateJob) {
		httpkit.Accepted(c, TriggerResponse{Stage: stage, SingletonKey: job.SingletonKey, AlreadyQueued: true})
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Accepted(c, TriggerResponse{Stage: stage, SingletonKey: job.SingletonKey, JobID: job.ID})
}

// DeleteQueue handles DELETE /api/v1/stages/:stage/queue
func (h *Handler) DeleteQueue(c *gin.Context) {
	if httpkit.HandleError(c, h.orch.DeleteQueue(c.Request.Context(), c.Param("stage"))) {
		return
	}
	c.Status(http.StatusNoContent)
}

// Status handles GET /api/v1/status
// It reports the runs this process has seen.
func (h *Handler) Status(c *gin.Context) {
	httpkit.OK(c, h.orch.Tracker().Snapshot())
}

// ListRuns handles GET /api/v1/runs?stage=&limit=
func (h *Handler) ListRuns(c *gin.Context) {
	var req RunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.FieldErrors(err))
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultRunsLimit
	}

	runs, err := h.runs.RecentRuns(c.Request.Context(), req.Stage, req.Limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, runs)
}
