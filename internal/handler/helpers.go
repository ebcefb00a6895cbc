package handler

import (
	"net/http"
	"strconv"

	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func writeError(c *gin.Context, err error) {
	c.JSON(services.HTTPStatus(err), httpdto.NewErrorResponse(services.PublicMessage(err), services.ErrorCode(err)))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse(msg, "INVALID_REQUEST"))
}

// currentUser returns the authenticated caller. AuthMiddleware guarantees it
// on every /v1 route; the 401 here only guards misconfigured routing.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return uuid.Nil, false
	}
	return userID, true
}

func parseUUID(c *gin.Context, value, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(value)
	if err != nil {
		badRequest(c, "invalid "+field)
		return uuid.Nil, false
	}
	return id, true
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// parseDeviceParam reads a required positive device id.
func parseDeviceParam(c *gin.Context, value string) (int, bool) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		badRequest(c, "invalid device_id")
		return 0, false
	}
	return n, true
}

// parseBefore reads the optional pagination anchor.
func parseBefore(c *gin.Context) (*uuid.UUID, bool) {
	raw := c.Query("before")
	if raw == "" {
		return nil, true
	}
	id, ok := parseUUID(c, raw, "before")
	if !ok {
		return nil, false
	}
	return &id, true
}
