package handler

import (
	"net/http"

	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type AttachmentHandler struct {
	service *services.AttachmentService
}

func NewAttachmentHandler(service *services.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{service: service}
}

func (h *AttachmentHandler) PresignUpload(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.PresignUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	ticket, err := h.service.PresignUpload(c.Request.Context(), userID, req.ContentType, req.SizeBytes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(ticket))
}

func (h *AttachmentHandler) PresignDownload(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	key := c.Query("key")
	url, err := h.service.PresignDownload(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.PresignDownloadResponse{Key: key, URL: url}))
}
