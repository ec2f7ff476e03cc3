package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"go.uber.org/zap"
)

// respondError writes {"error": ...}. Server errors are logged and replaced
// with a generic message.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	_ = c.Error(err)
	msg := err.Error()
	if errors.Is(err, apperr.ErrPairingExpiredOrInvalid) {
		msg = apperr.ErrPairingExpiredOrInvalid.Error()
	}
	c.JSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON format: " + err.Error()})
}
