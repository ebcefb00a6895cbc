package server

import (
	"encoding/json"
	"time"

	"sealed-relay/internal/domain/message"

	"github.com/google/uuid"
)

// Event names on the wire.
const (
	EventAuthenticate   = "authenticate"
	EventAuthenticated  = "authenticated"
	EventAuthError      = "auth_error"
	EventMessageSend    = "message:send"
	EventMessageRecv    = "message:received"
	EventMessageAck     = "message:ack"
	EventMessageError   = "message:error"
	EventStatusUpdate   = "status:update"
	EventChannelJoin    = "channel:join"
	EventChannelJoined  = "channel:joined"
	EventChannelLeave   = "channel:leave"
	EventDMJoin         = "dm:join"
	EventDMJoined       = "dm:joined"
	EventDMLeave        = "dm:leave"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventPresenceUpdate = "presence:update"
	EventError          = "error"
	EventPing           = "ping"
	EventPong           = "pong"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeFrame(eventType string, payload interface{}) []byte {
	frame := struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload,omitempty"`
	}{Type: eventType, Payload: payload}
	data, _ := json.Marshal(frame)
	return data
}

func channelRoom(channelID uuid.UUID) string { return "channel:" + channelID.String() }

func dmRoom(conversationID string) string { return "dm:" + conversationID }

func roomFor(t message.Target) string {
	if id, ok := t.Channel(); ok {
		return channelRoom(id)
	}
	id, _ := t.Conversation()
	return dmRoom(id)
}

type authenticatePayload struct {
	Token    string `json:"token"`
	DeviceID int    `json:"device_id,omitempty"`
}

type authenticatedPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username,omitempty"`
	DeviceID int       `json:"device_id,omitempty"`
}

type envelopePayload struct {
	DeviceID   int    `json:"device_id"`
	Ciphertext []byte `json:"ciphertext"`
}

type sendPayload struct {
	ChannelID       uuid.UUID         `json:"channel_id"`
	RecipientID     uuid.UUID         `json:"recipient_id"`
	ConversationID  string            `json:"conversation_id"`
	Ciphertext      []byte            `json:"ciphertext"`
	Envelopes       []envelopePayload `json:"envelopes"`
	Nonce           string            `json:"nonce"`
	ProtocolVersion int               `json:"protocol_version"`
	ReplyTo         *uuid.UUID        `json:"reply_to"`
}

type ackPayload struct {
	Nonce          string    `json:"nonce"`
	MessageID      uuid.UUID `json:"message_id"`
	Duplicate      bool      `json:"duplicate"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type errorPayload struct {
	Event string `json:"event,omitempty"`
	Nonce string `json:"nonce,omitempty"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type receivedPayload struct {
	MessageID       uuid.UUID  `json:"message_id"`
	SenderID        uuid.UUID  `json:"sender_id"`
	SenderDeviceID  int        `json:"sender_device_id,omitempty"`
	ChannelID       *uuid.UUID `json:"channel_id,omitempty"`
	ConversationID  string     `json:"conversation_id,omitempty"`
	EnvelopeID      *uuid.UUID `json:"envelope_id,omitempty"`
	Ciphertext      []byte     `json:"ciphertext"`
	ProtocolVersion int        `json:"protocol_version"`
	ReplyTo         *uuid.UUID `json:"reply_to,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func newReceived(m message.Message) receivedPayload {
	p := receivedPayload{
		MessageID:       m.ID,
		SenderID:        m.SenderID,
		SenderDeviceID:  m.SenderDeviceID,
		Ciphertext:      m.Ciphertext,
		ProtocolVersion: m.ProtocolVersion,
		CreatedAt:       m.CreatedAt,
	}
	if id, ok := m.Target.Channel(); ok {
		p.ChannelID = &id
	}
	if id, ok := m.Target.Conversation(); ok {
		p.ConversationID = id
	}
	if m.ReplyToID.Valid {
		id := m.ReplyToID.UUID
		p.ReplyTo = &id
	}
	return p
}

type statusPayload struct {
	MessageID uuid.UUID      `json:"message_id"`
	Status    message.Status `json:"status"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
}

type channelPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

type dmJoinPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
}

type joinedPayload struct {
	ChannelID      *uuid.UUID  `json:"channel_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	OnlineUserIDs  []uuid.UUID `json:"online_user_ids"`
}

type typingPayload struct {
	ChannelID      *uuid.UUID `json:"channel_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
}

type presencePayload struct {
	UserID   uuid.UUID `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	At       time.Time `json:"at"`
}
