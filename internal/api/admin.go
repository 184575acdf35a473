package api

import (
	"errors"
	"net/http"

	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/notify"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleDeliver(c *gin.Context) {
	var n models.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	delivered, err := h.relay.Deliver(c.Request.Context(), n)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, delivered)
	case errors.Is(err, notify.ErrInvalidNotification):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification"})
	default:
		h.logger.Error("failed to deliver notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deliver_failed"})
	}
}

type roomNoticeRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

func (h *httpHandler) handleKick(c *gin.Context) {
	var request roomNoticeRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	removed := h.hub.Kick(c.Param("id"), request.UserID, request.Message)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *httpHandler) handleUnban(c *gin.Context) {
	h.hub.Rooms().Unban(c.Param("id"), c.Param("userId"))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCloseRoom(c *gin.Context) {
	var request roomNoticeRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	dropped := h.hub.CloseRoom(c.Param("id"), request.Message)
	c.JSON(http.StatusOK, gin.H{"dropped": dropped})
}

func (h *httpHandler) handleReopenRoom(c *gin.Context) {
	h.hub.ReopenRoom(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	loggedOut := h.hub.Logout(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"loggedOut": loggedOut})
}
