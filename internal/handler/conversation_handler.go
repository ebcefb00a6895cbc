package handler

import (
	"net/http"

	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ConversationHandler struct {
	conversations *services.ConversationIdentity
	envelopes     *services.EnvelopeStore
	users         services.UserDirectory
}

func NewConversationHandler(conversations *services.ConversationIdentity, envelopes *services.EnvelopeStore, users services.UserDirectory) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, envelopes: envelopes, users: users}
}

func (h *ConversationHandler) Start(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	var other uuid.UUID
	switch {
	case req.UserID != "" && req.Username != "":
		badRequest(c, "provide user_id or username, not both")
		return
	case req.UserID != "":
		id, ok := parseUUID(c, req.UserID, "user_id")
		if !ok {
			return
		}
		other = id
	case req.Username != "":
		u, err := h.users.FindUserByUsername(c.Request.Context(), req.Username)
		if err != nil {
			writeError(c, err)
			return
		}
		other = u.ID
	default:
		badRequest(c, "user_id or username is required")
		return
	}

	conv, created, err := h.conversations.StartConversation(c.Request.Context(), userID, other)
	if err != nil {
		writeError(c, err)
		return
	}
	dto := httpdto.FromConversation(conv, userID)
	dto.Created = created
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, httpdto.NewSuccessResponse(dto))
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	items, err := h.conversations.ListConversations(c.Request.Context(), userID, parseInt(c.Query("limit"), 50))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]httpdto.ConversationDTO, 0, len(items))
	for _, conv := range items {
		out = append(out, httpdto.FromConversation(conv, userID))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

func (h *ConversationHandler) Messages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	otherID, ok := parseUUID(c, c.Param("user_id"), "user_id")
	if !ok {
		return
	}
	before, ok := parseBefore(c)
	if !ok {
		return
	}
	msgs, err := h.envelopes.ListDmMessages(c.Request.Context(), userID, otherID, parseInt(c.Query("limit"), 0), before)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromMessages(msgs)))
}
