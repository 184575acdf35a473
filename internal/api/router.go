// Package api exposes the relay over HTTP: the public bearer-token API used
// by chat clients and the internal API used by collaborating services.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"
	"github.com/w7109066-del/Migers-sub002/internal/storage"
	"github.com/w7109066-del/Migers-sub002/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userContextKey = "migers_user"

	defaultLimit = 50
	maxLimit     = 200
)

var (
	errMissingVerifier = errors.New("token verifier dependency required")
	errMissingHub      = errors.New("hub dependency required")
	errMissingRelay    = errors.New("notification relay dependency required")
	errMissingStore    = errors.New("store dependency required")
)

type Verifier interface {
	Verify(token string) (models.User, error)
}

type Notifier interface {
	Deliver(ctx context.Context, n models.Notification) (models.Notification, error)
	List(userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(userID, notificationID string) error
	Subscribe(sub models.PushSubscription) error
	Unsubscribe(userID, endpoint string) error
}

type Dependencies struct {
	Verifier Verifier
	Hub      *ws.Hub
	Relay    Notifier
	Store    storage.Store
	Logger   *zap.Logger

	// Chat upgrades GET /api/chat to a websocket. Optional.
	Chat           http.HandlerFunc
	VAPIDPublicKey string
	AllowedOrigins []string
}

func (d Dependencies) validate(public bool) error {
	if public && d.Verifier == nil {
		return errMissingVerifier
	}
	if d.Hub == nil {
		return errMissingHub
	}
	if d.Relay == nil {
		return errMissingRelay
	}
	if public && d.Store == nil {
		return errMissingStore
	}
	return nil
}

type httpHandler struct {
	verifier Verifier
	hub      *ws.Hub
	relay    Notifier
	store    storage.Store
	vapidKey string
	logger   *zap.Logger
}

func newHandler(deps Dependencies) *httpHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httpHandler{
		verifier: deps.Verifier,
		hub:      deps.Hub,
		relay:    deps.Relay,
		store:    deps.Store,
		vapidKey: deps.VAPIDPublicKey,
		logger:   logger,
	}
}

// NewPublicHandler builds the client facing router.
func NewPublicHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(true); err != nil {
		return nil, err
	}
	h := newHandler(deps)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", h.handleHealth)
	if deps.Chat != nil {
		router.GET("/api/chat", gin.WrapF(deps.Chat))
	}
	router.GET("/api/push/vapid-key", h.handleVAPIDKey)

	protected := router.Group("/api")
	protected.Use(h.authorizeRequest)
	protected.GET("/notifications", h.handleListNotifications)
	protected.POST("/notifications/:id/read", h.handleMarkRead)
	protected.GET("/rooms/:id/members", h.handleRoomMembers)
	protected.GET("/rooms/:id/messages", h.handleRoomMessages)
	protected.GET("/direct/:peerId/messages", h.handleDirectMessages)
	protected.GET("/presence/:userId", h.handlePresence)
	protected.POST("/push/subscriptions", h.handleSubscribe)
	protected.DELETE("/push/subscriptions", h.handleUnsubscribe)

	return router, nil
}

// NewInternalHandler builds the router for trusted collaborators. It has no
// authentication and belongs on a private listener.
func NewInternalHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	h := newHandler(deps)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.handleHealth)

	internal := router.Group("/internal")
	internal.POST("/notifications", h.handleDeliver)
	internal.POST("/rooms/:id/kick", h.handleKick)
	internal.DELETE("/rooms/:id/bans/:userId", h.handleUnban)
	internal.POST("/rooms/:id/close", h.handleCloseRoom)
	internal.DELETE("/rooms/:id/close", h.handleReopenRoom)
	internal.POST("/users/:id/logout", h.handleLogout)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		h.logger.Debug("bearer token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) models.User {
	user, _ := c.Get(userContextKey)
	u, _ := user.(models.User)
	return u
}

// parseLimit reads ?limit=, defaulting to defaultLimit and capping at maxLimit.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	return min(limit, maxLimit), true
}
