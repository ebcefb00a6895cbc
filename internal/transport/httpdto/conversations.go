package httpdto

import (
	"time"

	"sealed-relay/internal/domain/conversation"

	"github.com/google/uuid"
)

// StartConversationRequest is used for POST /v1/conversations. One of the
// fields identifies the partner.
type StartConversationRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type ConversationDTO struct {
	ID             string `json:"id"`
	PeerID         string `json:"peer_id"`
	IsSelf         bool   `json:"is_self"`
	LastActivityAt string `json:"last_activity_at"`
	CreatedAt      string `json:"created_at"`
	Created        bool   `json:"created,omitempty"`
}

func FromConversation(c conversation.Conversation, viewer uuid.UUID) ConversationDTO {
	return ConversationDTO{
		ID:             c.ID,
		PeerID:         c.Other(viewer).String(),
		IsSelf:         c.IsSelf(),
		LastActivityAt: c.LastActivityAt.UTC().Format(time.RFC3339),
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
	}
}
