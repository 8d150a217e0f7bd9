package handlers

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rahemur0910/ChatAppliocation/internal/push"
)

type PushHandler struct {
	db       *sql.DB
	notifier *push.Notifier
}

func NewPushHandler(db *sql.DB, notifier *push.Notifier) *PushHandler {
	return &PushHandler{db: db, notifier: notifier}
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256dh   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// VAPIDKey exposes the public key clients need to subscribe.
func (h *PushHandler) VAPIDKey(c *gin.Context) {
	key := h.notifier.VAPIDPublicKey()
	if key == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "push notifications disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": key})
}

// Subscribe registers a Web Push subscription for the caller. Re-posting an
// existing endpoint reactivates it.
func (h *PushHandler) Subscribe(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	_, err := h.db.ExecContext(c.Request.Context(), `
		DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?
	`, userID.(int), req.Endpoint)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}

	_, err = h.db.ExecContext(c.Request.Context(), `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
	`, userID.(int), req.Endpoint, req.P256dh, req.Auth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

// Unsubscribe revokes all of the caller's subscriptions, or a single one
// when an endpoint is provided.
func (h *PushHandler) Unsubscribe(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	endpoint := c.Query("endpoint")
	var err error
	if endpoint != "" {
		_, err = h.db.ExecContext(c.Request.Context(), `
			UPDATE push_subscriptions SET revoked_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND endpoint = ?
		`, userID.(int), endpoint)
	} else {
		_, err = h.db.ExecContext(c.Request.Context(), `
			UPDATE push_subscriptions SET revoked_at = CURRENT_TIMESTAMP
			WHERE user_id = ?
		`, userID.(int))
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
