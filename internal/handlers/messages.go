package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rahemur0910/ChatAppliocation/internal/ledger"
	"github.com/rahemur0910/ChatAppliocation/internal/media"
	"github.com/rahemur0910/ChatAppliocation/internal/models"
	"github.com/rahemur0910/ChatAppliocation/internal/store"
)

// OnlineChecker interface for checking user online status
type OnlineChecker interface {
	IsUserOnline(userID int) bool
	GetOnlineUserIDs() []int
}

// Dispatcher pushes a persisted message to the receiver's live connection,
// if any. Fire-and-forget: the send response never waits on it.
type Dispatcher interface {
	Dispatch(msg *models.Message)
}

type MessageHandler struct {
	store         *store.Store
	ledger        *ledger.Ledger
	images        *media.Store
	onlineChecker OnlineChecker
	dispatcher    Dispatcher
}

func NewMessageHandler(s *store.Store, l *ledger.Ledger, images *media.Store, onlineChecker OnlineChecker, dispatcher Dispatcher) *MessageHandler {
	return &MessageHandler{
		store:         s,
		ledger:        l,
		images:        images,
		onlineChecker: onlineChecker,
		dispatcher:    dispatcher,
	}
}

func (h *MessageHandler) currentUser(c *gin.Context) (int, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userID.(int), true
}

func (h *MessageHandler) counterpartID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

// GetUsers lists candidate counterparts for the sidebar, excluding the
// caller, with live online status.
func (h *MessageHandler) GetUsers(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	users, err := h.store.Users(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch users"})
		return
	}

	for _, user := range users {
		user.IsOnline = h.onlineChecker != nil && h.onlineChecker.IsUserOnline(user.ID)
	}

	c.JSON(http.StatusOK, users)
}

// GetMessages returns the ordered history between the caller and the
// counterpart in the path.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	counterpart, ok := h.counterpartID(c)
	if !ok {
		return
	}

	messages, err := h.store.History(c.Request.Context(), userID, counterpart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	c.JSON(http.StatusOK, messages)
}

type SendMessageRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"` // data URL, stored by the media collaborator
}

// SendMessage runs the write path: persist the message, then increment the
// receiver's unread ledger, then hand off to the dispatcher. A persistence
// failure aborts everything; a ledger failure after the commit is logged
// and left to reconciliation, never surfaced as a send failure.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	receiverID, ok := h.counterpartID(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	// Resolve the receiver before touching the media store, so a bad id
	// does not leave a stored attachment with no message referencing it
	exists, err := h.store.UserExists(c.Request.Context(), receiverID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "receiver not found"})
		return
	}

	imageURL := ""
	if req.Image != "" {
		url, err := h.images.SaveDataURL(req.Image)
		if err != nil {
			if errors.Is(err, store.ErrValidation) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
			return
		}
		imageURL = url
	}

	msg, err := h.store.Append(c.Request.Context(), userID, receiverID, req.Text, imageURL)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "message needs text or an image"})
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "receiver not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		}
		return
	}

	// Exactly once per persisted message. The message is already durable,
	// so a failure here only lags the badge until reconciliation runs.
	if err := h.ledger.Increment(c.Request.Context(), receiverID, userID); err != nil {
		log.Printf("ledger: failed to increment unread for receiver=%d sender=%d message=%d: %v",
			receiverID, userID, msg.ID, err)
	}

	if h.dispatcher != nil {
		h.dispatcher.Dispatch(msg)
	}

	c.JSON(http.StatusCreated, msg)
}

// MarkMessagesRead marks every unread message from the counterpart to the
// caller as read, then clears the ledger entry. The clear only runs once
// the read-state mutation has actually succeeded.
func (h *MessageHandler) MarkMessagesRead(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	counterpart, ok := h.counterpartID(c)
	if !ok {
		return
	}

	marked, err := h.store.MarkRead(c.Request.Context(), userID, counterpart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}

	if err := h.ledger.Clear(c.Request.Context(), userID, counterpart); err != nil {
		log.Printf("ledger: failed to clear unread for receiver=%d sender=%d: %v",
			userID, counterpart, err)
	}

	c.JSON(http.StatusOK, gin.H{"newly_read": marked})
}

// GetUnreadCounts returns the caller's unread counts keyed by sender id.
// ?reconcile=1 recomputes them from the message log first.
func (h *MessageHandler) GetUnreadCounts(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	var counts map[int]int
	var err error
	if c.Query("reconcile") == "1" {
		counts, err = h.ledger.Reconcile(c.Request.Context(), userID)
	} else {
		counts, err = h.ledger.CountsFor(c.Request.Context(), userID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch unread counts"})
		return
	}

	// Keys as strings for the JSON object shape clients expect
	out := make(map[string]int, len(counts))
	for senderID, count := range counts {
		out[strconv.Itoa(senderID)] = count
	}
	c.JSON(http.StatusOK, out)
}
