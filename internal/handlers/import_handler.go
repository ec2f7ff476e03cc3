package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/middleware"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"github.com/justsurfingit/apply-scheduler/internal/services"
	"go.uber.org/zap"
)

type ImportHandler struct {
	Importer *services.ImportService
	Log      *zap.Logger
}

func NewImportHandler(i *services.ImportService, log *zap.Logger) *ImportHandler {
	return &ImportHandler{Importer: i, Log: log}
}

// Import takes the source from the body.
func (h *ImportHandler) Import(c *gin.Context) {
	h.importAs(c, "")
}

func (h *ImportHandler) ImportEmail(c *gin.Context) {
	h.importAs(c, models.SourceEmailForward)
}

func (h *ImportHandler) ImportExtension(c *gin.Context) {
	h.importAs(c, models.SourceExtension)
}

func (h *ImportHandler) importAs(c *gin.Context, source string) {
	var ev dtos.ImportEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		badRequest(c, err)
		return
	}
	if source != "" {
		ev.SourceType = source
	}
	res, err := h.Importer.ImportApplicationEvent(c.Request.Context(), middleware.UserID(c), &ev)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	status := http.StatusCreated
	if res.Deduped {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *ImportHandler) ImportBulk(c *gin.Context) {
	var req dtos.BulkImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.Importer.ImportBulk(c.Request.Context(), middleware.UserID(c), req.Events)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
