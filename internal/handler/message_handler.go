package handler

import (
	"encoding/base64"
	"net/http"

	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	service *services.EnvelopeStore
}

func NewMessageHandler(service *services.EnvelopeStore) *MessageHandler {
	return &MessageHandler{service: service}
}

func (h *MessageHandler) ChannelMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := parseUUID(c, c.Param("channel_id"), "channel_id")
	if !ok {
		return
	}
	before, ok := parseBefore(c)
	if !ok {
		return
	}
	msgs, err := h.service.ListChannelMessages(c.Request.Context(), channelID, userID, parseInt(c.Query("limit"), 0), before)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromMessages(msgs)))
}

// Envelope returns the caller's own per-device envelope of a message.
func (h *MessageHandler) Envelope(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := parseUUID(c, c.Param("id"), "message id")
	if !ok {
		return
	}
	deviceID, ok := parseDeviceParam(c, c.Query("device_id"))
	if !ok {
		return
	}
	env, err := h.service.GetEnvelopeForDevice(c.Request.Context(), messageID, userID, deviceID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromEnvelope(env)))
}

func (h *MessageHandler) PendingEnvelopes(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := parseDeviceParam(c, c.Query("device_id"))
	if !ok {
		return
	}
	items, err := h.service.ListPendingEnvelopes(c.Request.Context(), userID, deviceID, parseInt(c.Query("limit"), 0))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]httpdto.EnvelopeDTO, 0, len(items))
	for _, e := range items {
		out = append(out, httpdto.FromEnvelope(e))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	envelopeID, ok := parseUUID(c, c.Param("id"), "envelope id")
	if !ok {
		return
	}
	env, err := h.service.MarkDelivered(c.Request.Context(), envelopeID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromEnvelope(env)))
}

func (h *MessageHandler) Edit(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := parseUUID(c, c.Param("id"), "message id")
	if !ok {
		return
	}
	var req httpdto.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		badRequest(c, "invalid ciphertext")
		return
	}
	m, err := h.service.Edit(c.Request.Context(), messageID, userID, ciphertext)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromMessage(m)))
}

func (h *MessageHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	messageID, ok := parseUUID(c, c.Param("id"), "message id")
	if !ok {
		return
	}
	if _, err := h.service.Delete(c.Request.Context(), messageID, userID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"id": messageID.String(), "is_deleted": true}))
}
