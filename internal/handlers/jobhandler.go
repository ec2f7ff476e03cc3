package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/middleware"
	"github.com/justsurfingit/apply-scheduler/internal/services"
	"go.uber.org/zap"
)

type JobHandler struct {
	JobService *services.JobService
	Log        *zap.Logger
}

// NewJobHandler creates the handler with dependencies
func NewJobHandler(j *services.JobService, log *zap.Logger) *JobHandler {
	return &JobHandler{JobService: j, Log: log}
}

// CreateJob is the POST /jobs endpoint
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dtos.JobCreationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := h.JobService.CreateJob(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// ListJobs is the GET /jobs endpoint; ?status= filters.
func (h *JobHandler) ListJobs(c *gin.Context) {
	jobs, err := h.JobService.ListJobs(c.Request.Context(), middleware.UserID(c), c.Query("status"))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}
