// Package api exposes the submission HTTP surface.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"runbox/internal/catalog"
	"runbox/internal/queue"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/response"
)

const defaultMaxCodeBytes = 256 << 10

// Resolver maps language tags to descriptors.
type Resolver interface {
	Resolve(tag string) (catalog.Descriptor, error)
}

// Controller handles submission endpoints.
type Controller struct {
	queue        queue.Queue
	catalog      Resolver
	maxCodeBytes int
}

// NewController creates a controller. maxCodeBytes <= 0 selects the default cap.
func NewController(q queue.Queue, resolver Resolver, maxCodeBytes int) *Controller {
	if maxCodeBytes <= 0 {
		maxCodeBytes = defaultMaxCodeBytes
	}
	return &Controller{queue: q, catalog: resolver, maxCodeBytes: maxCodeBytes}
}

// RunRequest is the submission payload.
type RunRequest struct {
	Language string `json:"language" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// RunResponse acknowledges an accepted submission.
type RunResponse struct {
	JobID string `json:"jobId"`
}

// ResultResponse reports job state and, when terminal, its outcome.
type ResultResponse struct {
	JobID   string `json:"jobId"`
	State   string `json:"state"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

// HealthResponse is the compound health status.
type HealthResponse struct {
	Server string `json:"server"`
	Redis  string `json:"redis"`
	Error  string `json:"error,omitempty"`
}

// Run accepts a submission and enqueues it without waiting for execution.
func (h *Controller) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if len(req.Code) > h.maxCodeBytes {
		response.Error(c, appErr.Newf(appErr.CodeTooLarge,
			"source code exceeds %d bytes", h.maxCodeBytes))
		return
	}
	if _, err := h.catalog.Resolve(req.Language); err != nil {
		response.Error(c, err)
		return
	}

	jobID, err := h.queue.Submit(c.Request.Context(), queue.Payload{
		Language: req.Language,
		Code:     req.Code,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, RunResponse{JobID: jobID})
}

// Result returns the current state of a job.
func (h *Controller) Result(c *gin.Context) {
	jobID := c.Param("jobId")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	job, err := h.queue.Get(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}

	res := ResultResponse{JobID: job.ID, State: string(job.State)}
	switch job.State {
	case queue.StateCompleted:
		res.Output = job.Result
		res.Message = "Job completed"
	case queue.StateFailed:
		res.Error = job.Failure
		res.Message = "Job failed"
	default:
		res.Message = "Job is " + string(job.State)
	}
	c.JSON(http.StatusOK, res)
}

// Health reports broker reachability.
func (h *Controller) Health(c *gin.Context) {
	if err := h.queue.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, HealthResponse{
			Server: "OK",
			Redis:  "ERROR",
			Error:  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Server: "OK", Redis: "OK"})
}
