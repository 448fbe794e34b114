package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/partnerhub/messaging-backend/internal/common"
	"github.com/partnerhub/messaging-backend/internal/domain"
	"github.com/partnerhub/messaging-backend/internal/middleware"
	"github.com/partnerhub/messaging-backend/internal/service"
	"github.com/partnerhub/messaging-backend/pkg/ginutil"
)

// PresenceChecker answers pull presence queries
type PresenceChecker interface {
	IsOnline(userID string) bool
}

// MessageHandler handles message HTTP requests
type MessageHandler struct {
	service  service.MessageService
	presence PresenceChecker
}

// NewMessageHandler creates a new MessageHandler
func NewMessageHandler(service service.MessageService, presence PresenceChecker) *MessageHandler {
	return &MessageHandler{service: service, presence: presence}
}

// SystemMessageRequest is the body of a platform generated message
type SystemMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Send handles POST /api/messages/send
// @Summary Send a direct or partnership message
// @Tags messages
// @Accept json
// @Produce json
// @Param request body domain.SendMessageRequest true "message"
// @Success 201 {object} common.APIResponse{data=domain.Message}
// @Router /messages/send [post]
func (h *MessageHandler) Send(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req domain.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Malformed request body", err)
		return
	}

	msg, err := h.service.Send(c.Request.Context(), userID, &req)
	if err != nil {
		common.HandleError(c, "Failed to send message", err)
		return
	}

	common.CreatedResponse(c, msg)
}

// GetConversation handles GET /api/messages/conversation/:partnerId
// @Summary Direct conversation history, newest first
// @Tags messages
// @Param page query int false "page"
// @Param pageSize query int false "page size (max 100)"
// @Router /messages/conversation/{partnerId} [get]
func (h *MessageHandler) GetConversation(c *gin.Context) {
	userID := middleware.GetUserID(c)
	page, pageSize := pageParams(c)

	messages, meta, err := h.service.GetConversation(c.Request.Context(), userID, c.Param("partnerId"), page, pageSize)
	if err != nil {
		common.HandleError(c, "Failed to load conversation", err)
		return
	}

	common.SuccessResponse(c, messages, meta)
}

// GetPartnershipMessages handles GET /api/messages/partnership/:partnershipId
func (h *MessageHandler) GetPartnershipMessages(c *gin.Context) {
	userID := middleware.GetUserID(c)
	partnershipID, err := paramID(c, "partnershipId")
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid partnership ID", err)
		return
	}
	page, pageSize := pageParams(c)

	messages, meta, err := h.service.GetPartnershipMessages(c.Request.Context(), userID, partnershipID, page, pageSize)
	if err != nil {
		common.HandleError(c, "Failed to load partnership thread", err)
		return
	}

	common.SuccessResponse(c, messages, meta)
}

// AppendSystem handles POST /api/messages/partnership/:partnershipId/system
func (h *MessageHandler) AppendSystem(c *gin.Context) {
	partnershipID, err := paramID(c, "partnershipId")
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid partnership ID", err)
		return
	}

	var req SystemMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Malformed request body", err)
		return
	}

	msg, err := h.service.AppendSystem(c.Request.Context(), partnershipID, req.Content)
	if err != nil {
		common.HandleError(c, "Failed to append system message", err)
		return
	}

	common.CreatedResponse(c, msg)
}

// ListConversations handles GET /api/messages/conversations
// @Summary Conversation list with last message and unread counts
// @Tags messages
// @Router /messages/conversations [get]
func (h *MessageHandler) ListConversations(c *gin.Context) {
	userID := middleware.GetUserID(c)

	conversations, err := h.service.ListConversations(c.Request.Context(), userID)
	if err != nil {
		common.HandleError(c, "Failed to load conversations", err)
		return
	}

	common.SuccessResponse(c, conversations, &common.Meta{Total: int64(len(conversations))})
}

// MarkRead handles PUT /api/messages/:id/read
func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, err := paramID(c, "id")
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid message ID", err)
		return
	}

	if err := h.service.MarkRead(c.Request.Context(), id, userID); err != nil {
		common.HandleError(c, "Failed to mark message as read", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// MarkConversationRead handles PUT /api/messages/conversation/:partnerId/read
func (h *MessageHandler) MarkConversationRead(c *gin.Context) {
	userID := middleware.GetUserID(c)

	upToID, err := ginutil.QueryID(c, "upToId")
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "Invalid upToId", err)
		return
	}

	if _, err := h.service.MarkConversationRead(c.Request.Context(), userID, c.Param("partnerId"), upToID); err != nil {
		common.HandleError(c, "Failed to mark conversation as read", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// UnreadCount handles GET /api/messages/unread/count
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	userID := middleware.GetUserID(c)

	count, err := h.service.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		common.HandleError(c, "Failed to count unread messages", err)
		return
	}

	common.SuccessResponse(c, count, nil)
}

// Presence handles GET /api/messages/presence/:userId
func (h *MessageHandler) Presence(c *gin.Context) {
	target := strings.TrimSpace(c.Param("userId"))
	online := h.presence != nil && h.presence.IsOnline(target)

	common.SuccessResponse(c, gin.H{"userId": target, "online": online}, nil)
}

func pageParams(c *gin.Context) (int, int) {
	return ginutil.QueryInt(c, "page", 0), ginutil.QueryInt(c, "pageSize", 0)
}

func paramID(c *gin.Context, key string) (uint64, error) {
	id, err := ginutil.ParamID(c, key)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a valid id", common.ErrValidation, c.Param(key))
	}
	return id, nil
}
