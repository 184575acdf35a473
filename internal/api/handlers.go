package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/w7109066-del/Migers-sub002/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	unread := false
	if raw := c.Query("unread"); raw != "" {
		var err error
		if unread, err = strconv.ParseBool(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_unread"})
			return
		}
	}

	notifications, err := h.relay.List(currentUser(c).ID, unread, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	err := h.relay.MarkRead(currentUser(c).ID, c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("failed to mark notification read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
	}
}

type membersResponse struct {
	RoomID      string   `json:"roomId"`
	MemberCount int      `json:"memberCount"`
	Members     []string `json:"members"`
}

func (h *httpHandler) handleRoomMembers(c *gin.Context) {
	roomID := c.Param("id")
	members := h.hub.Rooms().Members(roomID)
	if members == nil {
		members = []string{}
	}
	c.JSON(http.StatusOK, membersResponse{RoomID: roomID, MemberCount: len(members), Members: members})
}

func (h *httpHandler) handleRoomMessages(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	roomID := c.Param("id")
	if h.hub.Rooms().IsClosed(roomID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "room_closed"})
		return
	}
	messages, err := h.store.ListRoomMessages(roomID, limit)
	h.writeMessages(c, messages, err)
}

func (h *httpHandler) handleDirectMessages(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	messages, err := h.store.ListDirectMessages(currentUser(c).ID, c.Param("peerId"), limit)
	h.writeMessages(c, messages, err)
}

func (h *httpHandler) writeMessages(c *gin.Context, messages []models.Message, err error) {
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	presence, err := h.hub.Presence(c.Param("userId"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, presence)
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("failed to load presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
	}
}

func (h *httpHandler) handleVAPIDKey(c *gin.Context) {
	if h.vapidKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "push_disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.vapidKey})
}

type subscriptionPayload struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	if h.vapidKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "push_disabled"})
		return
	}
	var request subscriptionPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		!strings.HasPrefix(request.Endpoint, "https://") ||
		request.Keys.P256dh == "" || request.Keys.Auth == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscription"})
		return
	}

	sub := models.PushSubscription{
		UserID:   currentUser(c).ID,
		Endpoint: request.Endpoint,
		P256dh:   request.Keys.P256dh,
		Auth:     request.Keys.Auth,
	}
	if err := h.relay.Subscribe(sub); err != nil {
		h.logger.Error("failed to save push subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe_failed"})
		return
	}
	c.Status(http.StatusCreated)
}

func (h *httpHandler) handleUnsubscribe(c *gin.Context) {
	var request subscriptionPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subscription"})
		return
	}
	if err := h.relay.Unsubscribe(currentUser(c).ID, request.Endpoint); err != nil {
		h.logger.Error("failed to delete push subscription", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unsubscribe_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
