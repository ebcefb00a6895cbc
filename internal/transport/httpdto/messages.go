package httpdto

import (
	"encoding/base64"
	"time"

	"sealed-relay/internal/domain/message"
)

type EditMessageRequest struct {
	Ciphertext string `json:"ciphertext" binding:"required"`
}

type MessageDTO struct {
	ID              string  `json:"id"`
	SenderID        string  `json:"sender_id"`
	SenderDeviceID  int     `json:"sender_device_id,omitempty"`
	ChannelID       string  `json:"channel_id,omitempty"`
	ConversationID  string  `json:"conversation_id,omitempty"`
	Ciphertext      string  `json:"ciphertext"`
	Nonce           string  `json:"nonce"`
	ProtocolVersion int     `json:"protocol_version"`
	Status          string  `json:"status"`
	ReplyToID       *string `json:"reply_to_id,omitempty"`
	IsEdited        bool    `json:"is_edited"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func FromMessage(m message.Message) MessageDTO {
	dto := MessageDTO{
		ID:              m.ID.String(),
		SenderID:        m.SenderID.String(),
		SenderDeviceID:  m.SenderDeviceID,
		Ciphertext:      base64.StdEncoding.EncodeToString(m.Ciphertext),
		Nonce:           m.Nonce,
		ProtocolVersion: m.ProtocolVersion,
		Status:          string(m.Status),
		IsEdited:        m.IsEdited,
		CreatedAt:       m.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if id, ok := m.Target.Channel(); ok {
		dto.ChannelID = id.String()
	}
	if id, ok := m.Target.Conversation(); ok {
		dto.ConversationID = id
	}
	if m.ReplyToID.Valid {
		id := m.ReplyToID.UUID.String()
		dto.ReplyToID = &id
	}
	return dto
}

func FromMessages(msgs []message.Message) []MessageDTO {
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromMessage(m))
	}
	return out
}

type EnvelopeDTO struct {
	ID                string  `json:"id"`
	MessageID         string  `json:"message_id"`
	RecipientUserID   string  `json:"recipient_user_id"`
	RecipientDeviceID int     `json:"recipient_device_id"`
	Ciphertext        string  `json:"ciphertext"`
	Delivered         bool    `json:"delivered"`
	DeliveredAt       *string `json:"delivered_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

func FromEnvelope(e message.Envelope) EnvelopeDTO {
	dto := EnvelopeDTO{
		ID:                e.ID.String(),
		MessageID:         e.MessageID.String(),
		RecipientUserID:   e.RecipientUserID.String(),
		RecipientDeviceID: e.RecipientDeviceID,
		Ciphertext:        base64.StdEncoding.EncodeToString(e.Ciphertext),
		Delivered:         e.Delivered,
		CreatedAt:         e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.DeliveredAt.Valid {
		at := e.DeliveredAt.Time.UTC().Format(time.RFC3339Nano)
		dto.DeliveredAt = &at
	}
	return dto
}
