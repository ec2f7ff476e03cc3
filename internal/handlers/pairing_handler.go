package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/justsurfingit/apply-scheduler/internal/middleware"
	"github.com/justsurfingit/apply-scheduler/internal/services"
	"go.uber.org/zap"
)

type PairingHandler struct {
	Pairing *services.PairingService
	Log     *zap.Logger
}

func NewPairingHandler(p *services.PairingService, log *zap.Logger) *PairingHandler {
	return &PairingHandler{Pairing: p, Log: log}
}

type pairStartRequest struct {
	DeviceName string `json:"device_name" binding:"max=100"`
}

type pairCompleteRequest struct {
	PairingID string `json:"pairing_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

func (h *PairingHandler) Start(c *gin.Context) {
	var req pairStartRequest
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	out, err := h.Pairing.StartExtensionPairing(c.Request.Context(), middleware.UserID(c), req.DeviceName)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *PairingHandler) Status(c *gin.Context) {
	out, err := h.Pairing.GetExtensionPairingStatus(c.Request.Context(), middleware.UserID(c), c.Param("pairingId"))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Complete is unauthenticated: the extension proves itself with the code.
func (h *PairingHandler) Complete(c *gin.Context) {
	var req pairCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.Pairing.CompleteExtensionPairing(c.Request.Context(), req.PairingID, req.Code)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
