package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/middleware"
	"github.com/justsurfingit/apply-scheduler/internal/services"
	"go.uber.org/zap"
)

// ScheduleHandler serves /scheduler.
type ScheduleHandler struct {
	Scheduler *services.SchedulerService
	Log       *zap.Logger
}

func NewScheduleHandler(s *services.SchedulerService, log *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{Scheduler: s, Log: log}
}

func (h *ScheduleHandler) Create(c *gin.Context) {
	var req dtos.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sch, err := h.Scheduler.CreateApplicationSchedule(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, sch)
}

func (h *ScheduleHandler) List(c *gin.Context) {
	out, err := h.Scheduler.ListApplicationSchedules(c.Request.Context(), middleware.UserID(c), c.Query("status"))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *ScheduleHandler) Reschedule(c *gin.Context) {
	var req dtos.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sch, err := h.Scheduler.RescheduleApplicationSchedule(c.Request.Context(), middleware.UserID(c), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

func (h *ScheduleHandler) SubmitNow(c *gin.Context) {
	sch, err := h.Scheduler.SubmitScheduledApplicationNow(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

func (h *ScheduleHandler) Cancel(c *gin.Context) {
	sch, err := h.Scheduler.CancelApplicationSchedule(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

func (h *ScheduleHandler) SubmissionStats(c *gin.Context) {
	stats, err := h.Scheduler.GetSubmissionTimeStats(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ScheduleHandler) BestPractices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"practices": h.Scheduler.BestPractices()})
}

func (h *ScheduleHandler) EligibleJobs(c *gin.Context) {
	jobs, err := h.Scheduler.ListEligibleJobsForScheduler(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *ScheduleHandler) GetDefaultEmail(c *gin.Context) {
	email, err := h.Scheduler.GetDefaultNotificationEmail(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": email})
}

func (h *ScheduleHandler) SetDefaultEmail(c *gin.Context) {
	var req dtos.DefaultEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	pref, err := h.Scheduler.SetDefaultNotificationEmail(c.Request.Context(), middleware.UserID(c), req.Email)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, pref)
}
