package handler

import (
	"encoding/base64"
	"net/http"

	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type SenderKeyHandler struct {
	service *services.SenderKeyDistributor
}

func NewSenderKeyHandler(service *services.SenderKeyDistributor) *SenderKeyHandler {
	return &SenderKeyHandler{service: service}
}

func (h *SenderKeyHandler) Members(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := parseUUID(c, c.Param("channel_id"), "channel_id")
	if !ok {
		return
	}
	members, err := h.service.GetChannelMembers(c.Request.Context(), channelID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(members))
}

func (h *SenderKeyHandler) Store(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := parseUUID(c, c.Param("channel_id"), "channel_id")
	if !ok {
		return
	}
	var req httpdto.StoreSenderKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	recipientID, ok := parseUUID(c, req.RecipientUserID, "recipient_user_id")
	if !ok {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		badRequest(c, "invalid payload")
		return
	}

	dist, err := h.service.StoreDistribution(c.Request.Context(), services.StoreDistributionInput{
		ChannelID:         channelID,
		SenderUserID:      userID,
		SenderDeviceID:    req.SenderDeviceID,
		RecipientUserID:   recipientID,
		RecipientDeviceID: req.RecipientDeviceID,
		Payload:           payload,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.FromDistribution(dist)))
}

// Fetch drains the caller's pending distributions for the channel. Entries
// are removed once returned.
func (h *SenderKeyHandler) Fetch(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	channelID, ok := parseUUID(c, c.Param("channel_id"), "channel_id")
	if !ok {
		return
	}
	deviceID := parseInt(c.Query("device_id"), 0)
	if deviceID < 0 {
		badRequest(c, "invalid device_id")
		return
	}
	items, err := h.service.FetchPending(c.Request.Context(), channelID, userID, deviceID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]httpdto.SenderKeyDTO, 0, len(items))
	for _, d := range items {
		out = append(out, httpdto.FromDistribution(d))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}
