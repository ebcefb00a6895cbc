package handler

import (
	"encoding/base64"
	"net/http"

	"sealed-relay/internal/domain/encryption"
	"sealed-relay/internal/services"
	"sealed-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type KeyHandler struct {
	service *services.KeyRegistry
}

func NewKeyHandler(service *services.KeyRegistry) *KeyHandler {
	return &KeyHandler{service: service}
}

func decodeOneTimeKeys(keys []httpdto.OneTimePreKeyDTO) ([]encryption.OneTimeKeyUpload, bool) {
	out := make([]encryption.OneTimeKeyUpload, 0, len(keys))
	for _, k := range keys {
		pub, err := base64.StdEncoding.DecodeString(k.PublicKey)
		if err != nil {
			return nil, false
		}
		out = append(out, encryption.OneTimeKeyUpload{KeyID: k.KeyID, PublicKey: pub})
	}
	return out, true
}

func (h *KeyHandler) RegisterDevice(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req httpdto.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	identityKey, err := base64.StdEncoding.DecodeString(req.IdentityKey)
	if err != nil {
		badRequest(c, "invalid identity_key")
		return
	}
	signedPub, err := base64.StdEncoding.DecodeString(req.SignedPreKey.PublicKey)
	if err != nil {
		badRequest(c, "invalid signed_prekey.public_key")
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.SignedPreKey.Signature)
	if err != nil {
		badRequest(c, "invalid signed_prekey.signature")
		return
	}
	oneTime, ok := decodeOneTimeKeys(req.OneTimePreKeys)
	if !ok {
		badRequest(c, "invalid one_time_prekeys")
		return
	}

	device, err := h.service.RegisterDevice(c.Request.Context(), encryption.DeviceRegistration{
		UserID:         userID,
		DeviceID:       req.DeviceID,
		Kind:           req.Kind,
		IdentityKey:    identityKey,
		RegistrationID: req.RegistrationID,
		SignedKey: encryption.SignedKeyUpload{
			KeyID:     req.SignedPreKey.KeyID,
			PublicKey: signedPub,
			Signature: signature,
		},
		OneTimeKeys: oneTime,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.FromDevice(device)))
}

func (h *KeyHandler) ListDevices(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	devices, err := h.service.ListDevices(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]httpdto.DeviceDTO, 0, len(devices))
	for _, d := range devices {
		out = append(out, httpdto.FromDevice(d))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

func (h *KeyHandler) DeactivateDevice(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := parseDeviceParam(c, c.Param("device_id"))
	if !ok {
		return
	}
	if err := h.service.DeactivateDevice(c.Request.Context(), userID, deviceID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"device_id": deviceID, "is_active": false}))
}

func (h *KeyHandler) UploadOneTimeKeys(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := parseDeviceParam(c, c.Param("device_id"))
	if !ok {
		return
	}
	var req httpdto.UploadOneTimeKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	keys, ok := decodeOneTimeKeys(req.Keys)
	if !ok {
		badRequest(c, "invalid keys")
		return
	}
	stored, err := h.service.UploadOneTimeKeys(c.Request.Context(), userID, deviceID, keys)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.UploadOneTimeKeysResponse{Stored: stored}))
}

func (h *KeyHandler) CountOneTimeKeys(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := parseDeviceParam(c, c.Param("device_id"))
	if !ok {
		return
	}
	count, err := h.service.GetOneTimeKeyCount(c.Request.Context(), userID, deviceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.OneTimeKeyCountResponse{DeviceID: deviceID, Count: count}))
}

// GetBundle serves one bundle per active device, or a single one when
// device_id is given. Each call consumes one-time keys.
func (h *KeyHandler) GetBundle(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	userID, ok := parseUUID(c, c.Param("user_id"), "user_id")
	if !ok {
		return
	}
	var deviceID *int
	if raw := c.Query("device_id"); raw != "" {
		d, ok := parseDeviceParam(c, raw)
		if !ok {
			return
		}
		deviceID = &d
	}
	bundles, err := h.service.GetPreKeyBundle(c.Request.Context(), userID, deviceID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]httpdto.PreKeyBundleDTO, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, httpdto.FromPreKeyBundle(b))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}
