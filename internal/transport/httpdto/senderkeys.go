package httpdto

import (
	"encoding/base64"
	"time"

	"sealed-relay/internal/domain/senderkey"
)

// StoreSenderKeyRequest is used for POST /v1/channels/:channel_id/sender-keys.
// RecipientDeviceID 0 addresses every device of the recipient.
type StoreSenderKeyRequest struct {
	SenderDeviceID    int    `json:"sender_device_id" binding:"required"`
	RecipientUserID   string `json:"recipient_user_id" binding:"required"`
	RecipientDeviceID int    `json:"recipient_device_id"`
	Payload           string `json:"payload" binding:"required"`
}

type SenderKeyDTO struct {
	ID                string `json:"id"`
	ChannelID         string `json:"channel_id"`
	SenderUserID      string `json:"sender_user_id"`
	SenderDeviceID    int    `json:"sender_device_id"`
	RecipientUserID   string `json:"recipient_user_id"`
	RecipientDeviceID int    `json:"recipient_device_id"`
	Payload           string `json:"payload"`
	CreatedAt         string `json:"created_at"`
}

func FromDistribution(d senderkey.Distribution) SenderKeyDTO {
	return SenderKeyDTO{
		ID:                d.ID.String(),
		ChannelID:         d.ChannelID.String(),
		SenderUserID:      d.SenderUserID.String(),
		SenderDeviceID:    d.SenderDeviceID,
		RecipientUserID:   d.RecipientUserID.String(),
		RecipientDeviceID: d.RecipientDeviceID,
		Payload:           base64.StdEncoding.EncodeToString(d.Payload),
		CreatedAt:         d.CreatedAt.UTC().Format(time.RFC3339),
	}
}
