package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sealed-relay/internal/domain/message"
	"sealed-relay/internal/metrics"
	relayredis "sealed-relay/internal/redis"
	"sealed-relay/internal/services"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PresenceRecorder mirrors presence transitions outside this process.
type PresenceRecorder interface {
	SetOnline(ctx context.Context, userID string, deviceID int, clientID string) error
	SetOffline(ctx context.Context, userID string, clientID string) error
	// Heartbeat keeps a live connection's presence from expiring.
	Heartbeat(ctx context.Context, userID string, clientID string) error
}

const heartbeatTimeout = 2 * time.Second

// MessageLimiter is a cross-instance message:send limit.
type MessageLimiter interface {
	AllowMessage(ctx context.Context, userID string) (*relayredis.RateLimitResult, error)
}

// DeviceRegistry validates and touches devices named by connections.
type DeviceRegistry interface {
	IsActiveDevice(ctx context.Context, userID uuid.UUID, deviceID int) (bool, error)
	TouchDevice(ctx context.Context, userID uuid.UUID, deviceID int) error
}

type GatewayDeps struct {
	Verifier      services.TokenVerifier
	Devices       DeviceRegistry
	Conversations *services.ConversationIdentity
	Envelopes     *services.EnvelopeStore
	Membership    services.MembershipOracle
	// Presence and Limiter are optional.
	Presence PresenceRecorder
	Limiter  MessageLimiter
}

type GatewayConfig struct {
	AuthTimeout time.Duration
	Limits      RateLimits
}

// Gateway authenticates websocket clients and routes their events.
type Gateway struct {
	hub           *Hub
	verifier      services.TokenVerifier
	devices       DeviceRegistry
	conversations *services.ConversationIdentity
	envelopes     *services.EnvelopeStore
	membership    services.MembershipOracle
	presence      PresenceRecorder
	limiter       MessageLimiter
	authTimeout   time.Duration
	limits        RateLimits
	clock         func() time.Time
	logger        *WebSocketLogger
}

func NewGateway(deps GatewayDeps, cfg GatewayConfig) *Gateway {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.Limits == (RateLimits{}) {
		cfg.Limits = DefaultRateLimits
	}
	return &Gateway{
		hub:           NewHub(),
		verifier:      deps.Verifier,
		devices:       deps.Devices,
		conversations: deps.Conversations,
		envelopes:     deps.Envelopes,
		membership:    deps.Membership,
		presence:      deps.Presence,
		limiter:       deps.Limiter,
		authTimeout:   cfg.AuthTimeout,
		limits:        cfg.Limits,
		clock:         time.Now,
		logger:        NewWebSocketLogger(),
	}
}

func (g *Gateway) Hub() *Hub { return g.hub }

// resolveDevice keeps the requested device only if it is an active device
// of the user. Anything else connects without device routing.
func (g *Gateway) resolveDevice(ctx context.Context, userID uuid.UUID, requested int) int {
	if requested <= 0 || g.devices == nil {
		return 0
	}
	ok, err := g.devices.IsActiveDevice(ctx, userID, requested)
	if err != nil {
		g.logger.Error("device lookup failed", userID, "", err, zap.Int("device_id", requested))
		return 0
	}
	if !ok {
		return 0
	}
	return requested
}

// admit registers an authenticated client with the hub.
func (g *Gateway) admit(ctx context.Context, c *Client, id services.Identity) {
	deviceID := g.resolveDevice(ctx, id.UserID, c.requestedDevice)
	c.setIdentity(id.UserID, id.Username, deviceID)

	first := g.hub.Register(c)
	if first {
		g.hub.SendTo(g.presenceAudience(ctx, id.UserID, nil), encodeFrame(EventPresenceUpdate, presencePayload{
			UserID:   id.UserID,
			IsOnline: true,
			At:       g.clock(),
		}))
		if g.presence != nil {
			if err := g.presence.SetOnline(ctx, id.UserID.String(), deviceID, c.clientID); err != nil {
				g.logger.Error("presence update failed", id.UserID, c.clientID, err)
			}
		}
	}
	if deviceID != 0 {
		if err := g.devices.TouchDevice(ctx, id.UserID, deviceID); err != nil {
			g.logger.Error("device touch failed", id.UserID, c.clientID, err)
		}
	}

	g.logger.Info("client connected", id.UserID, c.clientID, zap.Int("device_id", deviceID))
	c.Send(encodeFrame(EventAuthenticated, authenticatedPayload{
		UserID:   id.UserID,
		Username: id.Username,
		DeviceID: deviceID,
	}))
}

// handleAuthenticate verifies an in-band credential. It returns false when
// the connection must close.
func (g *Gateway) handleAuthenticate(ctx context.Context, c *Client, raw json.RawMessage) bool {
	var p authenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		c.Send(encodeFrame(EventAuthError, errorPayload{Code: "UNAUTHORIZED", Error: "token is required"}))
		return false
	}
	id, err := g.verifier.Verify(p.Token)
	if err != nil {
		g.logger.Warn("authentication failed", uuid.Nil, c.clientID)
		c.Send(encodeFrame(EventAuthError, errorPayload{Code: "UNAUTHORIZED", Error: "invalid token"}))
		return false
	}
	if c.requestedDevice == 0 {
		c.requestedDevice = p.DeviceID
	}
	g.admit(ctx, c, id)
	return true
}

func (g *Gateway) heartbeat(c *Client) {
	if g.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()
	if err := g.presence.Heartbeat(ctx, c.UserID().String(), c.clientID); err != nil {
		g.logger.Error("presence heartbeat failed", c.UserID(), c.clientID, err)
	}
}

// presenceAudience adds the live sockets of userID's direct-conversation
// partners to rooms, without duplicates.
func (g *Gateway) presenceAudience(ctx context.Context, userID uuid.UUID, rooms []*Client) []*Client {
	if g.conversations == nil {
		return rooms
	}
	partners, err := g.conversations.Partners(ctx, userID)
	if err != nil {
		g.logger.Error("presence audience lookup failed", userID, "", err)
		return rooms
	}
	seen := make(map[string]bool, len(rooms))
	out := make([]*Client, 0, len(rooms))
	for _, c := range append(rooms, g.hub.UserSockets(partners)...) {
		if seen[c.clientID] {
			continue
		}
		seen[c.clientID] = true
		out = append(out, c)
	}
	return out
}

// disconnect removes c and, on the user's last socket, tells peers sharing a
// room or a direct conversation that the user went offline.
func (g *Gateway) disconnect(c *Client) {
	if !c.Authenticated() {
		c.closeSend()
		return
	}

	userID := c.UserID()
	last, audience := g.hub.Unregister(c)
	if last {
		audience = g.presenceAudience(context.Background(), userID, audience)
		g.hub.SendTo(audience, encodeFrame(EventPresenceUpdate, presencePayload{
			UserID:   userID,
			IsOnline: false,
			At:       g.clock(),
		}))
		if g.presence != nil {
			if err := g.presence.SetOffline(context.Background(), userID.String(), c.clientID); err != nil {
				g.logger.Error("presence update failed", userID, c.clientID, err)
			}
		}
	}
	g.logger.Info("client disconnected", userID, c.clientID, zap.Bool("last_socket", last))
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, frame Frame) {
	switch frame.Type {
	case EventMessageSend:
		g.handleSend(ctx, c, frame.Payload)
	case EventStatusUpdate:
		g.handleStatus(ctx, c, frame.Payload)
	case EventChannelJoin:
		g.handleChannelJoin(ctx, c, frame.Payload)
	case EventChannelLeave:
		g.handleChannelLeave(c, frame.Payload)
	case EventDMJoin:
		g.handleDMJoin(ctx, c, frame.Payload)
	case EventDMLeave:
		g.handleDMLeave(c, frame.Payload)
	case EventTypingStart, EventTypingStop:
		g.handleTyping(c, frame.Type, frame.Payload)
	case EventPing:
		c.Send(encodeFrame(EventPong, nil))
	case EventAuthenticate:
		g.sendError(c, frame.Type, fmt.Errorf("%w: already authenticated", sealed_errors.ErrInvalidInput))
	default:
		g.logger.Warn("unknown message type", c.UserID(), c.clientID, zap.String("msg_type", frame.Type))
		g.sendError(c, frame.Type, fmt.Errorf("%w: unknown event %q", sealed_errors.ErrInvalidInput, frame.Type))
	}
}

func (g *Gateway) rejectRateLimited(c *Client, frame Frame) {
	err := fmt.Errorf("%w: slow down", sealed_errors.ErrRateLimited)
	if frame.Type == EventMessageSend {
		var p struct {
			Nonce string `json:"nonce"`
		}
		_ = json.Unmarshal(frame.Payload, &p)
		g.messageError(c, p.Nonce, err)
		return
	}
	g.sendError(c, frame.Type, err)
}

func (g *Gateway) logFailure(c *Client, event string, err error) {
	switch {
	case errors.Is(err, sealed_errors.ErrForbidden):
		g.logger.Warn("forbidden", c.UserID(), c.clientID, zap.String("msg_type", event), zap.Error(err))
	case !sealed_errors.IsTaxonomy(err):
		g.logger.Error("event failed", c.UserID(), c.clientID, err, zap.String("msg_type", event))
	}
}

func (g *Gateway) sendError(c *Client, event string, err error) {
	g.logFailure(c, event, err)
	c.Send(encodeFrame(EventError, errorPayload{
		Event: event,
		Code:  services.ErrorCode(err),
		Error: services.PublicMessage(err),
	}))
}

// messageError reports a failed send keyed by the client's nonce. The socket
// stays open.
func (g *Gateway) messageError(c *Client, nonce string, err error) {
	g.logFailure(c, EventMessageSend, err)
	c.Send(encodeFrame(EventMessageError, errorPayload{
		Nonce: nonce,
		Code:  services.ErrorCode(err),
		Error: services.PublicMessage(err),
	}))
}

func (g *Gateway) ack(c *Client, nonce string, m message.Message, duplicate bool) {
	kind := "channel"
	convID, isDM := m.Target.Conversation()
	if isDM {
		kind = "dm"
	}
	outcome := "new"
	if duplicate {
		outcome = "duplicate"
	}
	metrics.MessagesAcceptedTotal.WithLabelValues(kind, outcome).Inc()

	c.Send(encodeFrame(EventMessageAck, ackPayload{
		Nonce:          nonce,
		MessageID:      m.ID,
		Duplicate:      duplicate,
		ConversationID: convID,
		CreatedAt:      m.CreatedAt,
	}))
}

func (g *Gateway) handleSend(ctx context.Context, c *Client, raw json.RawMessage) {
	var p sendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		g.messageError(c, p.Nonce, fmt.Errorf("%w: malformed message payload", sealed_errors.ErrInvalidInput))
		return
	}
	sender := c.UserID()

	if g.limiter != nil {
		res, err := g.limiter.AllowMessage(ctx, sender.String())
		if err != nil {
			g.logger.Error("rate limiter unavailable", sender, c.clientID, err)
		} else if !res.Allowed {
			g.messageError(c, p.Nonce, fmt.Errorf("%w: retry in %s", sealed_errors.ErrRateLimited, res.ResetIn))
			return
		}
	}

	resolved, err := g.envelopes.ResolveTarget(ctx, sender, services.TargetSelector{
		ChannelID:      p.ChannelID,
		RecipientID:    p.RecipientID,
		ConversationID: p.ConversationID,
	})
	if err != nil {
		g.messageError(c, p.Nonce, err)
		return
	}

	if p.Nonce != "" {
		existing, seen, err := g.envelopes.ExistsByNonce(ctx, sender, p.Nonce)
		if err != nil {
			g.messageError(c, p.Nonce, err)
			return
		}
		if seen {
			g.ack(c, p.Nonce, existing, true)
			return
		}
	}

	var replyTo uuid.NullUUID
	if p.ReplyTo != nil {
		replyTo = uuid.NullUUID{UUID: *p.ReplyTo, Valid: true}
	}

	if p.ProtocolVersion == message.ProtocolPerDevice || len(p.Envelopes) > 0 {
		g.sendPerDevice(ctx, c, p, resolved, replyTo)
		return
	}

	m, duplicate, err := g.envelopes.Create(ctx, services.CreateMessage{
		SenderID:        sender,
		SenderDeviceID:  c.DeviceID(),
		Target:          resolved.Target,
		Ciphertext:      p.Ciphertext,
		Nonce:           p.Nonce,
		ProtocolVersion: p.ProtocolVersion,
		ReplyToID:       replyTo,
	})
	if err != nil {
		g.messageError(c, p.Nonce, err)
		return
	}
	if !duplicate {
		data := encodeFrame(EventMessageRecv, newReceived(m))
		targets := Targets{Room: roomFor(m.Target), Except: c}
		if resolved.Conversation != nil {
			// Recipient sockets that never joined the DM room still get it.
			targets.UserID = resolved.Recipient(sender)
		}
		g.hub.Deliver(targets, data)
	}
	g.ack(c, p.Nonce, m, duplicate)
}

func (g *Gateway) sendPerDevice(ctx context.Context, c *Client, p sendPayload, resolved services.ResolvedTarget, replyTo uuid.NullUUID) {
	if resolved.Conversation == nil {
		g.messageError(c, p.Nonce, fmt.Errorf("%w: per-device envelopes need a direct message target", sealed_errors.ErrInvalidInput))
		return
	}

	envelopes := make([]message.DeviceCiphertext, 0, len(p.Envelopes))
	for _, e := range p.Envelopes {
		envelopes = append(envelopes, message.DeviceCiphertext{DeviceID: e.DeviceID, Ciphertext: e.Ciphertext})
	}

	sender := c.UserID()
	m, stored, duplicate, err := g.envelopes.CreateWithPerDeviceEnvelopes(ctx, services.CreateDeviceMessage{
		SenderID:       sender,
		SenderDeviceID: c.DeviceID(),
		ConversationID: resolved.Conversation.ID,
		Ciphertext:     p.Ciphertext,
		Nonce:          p.Nonce,
		Envelopes:      envelopes,
		ReplyToID:      replyTo,
	})
	if err != nil {
		g.messageError(c, p.Nonce, err)
		return
	}

	for _, e := range stored {
		payload := newReceived(m)
		payload.Ciphertext = e.Ciphertext
		envelopeID := e.ID
		payload.EnvelopeID = &envelopeID
		g.hub.Deliver(Targets{UserID: e.RecipientUserID, DeviceID: e.RecipientDeviceID, Except: c}, encodeFrame(EventMessageRecv, payload))
	}
	g.ack(c, p.Nonce, m, duplicate)
}

func (g *Gateway) handleStatus(ctx context.Context, c *Client, raw json.RawMessage) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		g.sendError(c, EventStatusUpdate, fmt.Errorf("%w: malformed status payload", sealed_errors.ErrInvalidInput))
		return
	}
	actor := c.UserID()
	m, err := g.envelopes.UpdateStatus(ctx, p.MessageID, p.Status, actor)
	if err != nil {
		g.sendError(c, EventStatusUpdate, err)
		return
	}
	g.hub.Deliver(Targets{UserID: m.SenderID}, encodeFrame(EventStatusUpdate, statusPayload{
		MessageID: m.ID,
		Status:    m.Status,
		UserID:    &actor,
	}))
}

// enterRoom joins c to room, announces the user to the room when it is new
// there and replies with who is online.
func (g *Gateway) enterRoom(c *Client, room string, reply joinedPayload, replyType string) {
	userID := c.UserID()
	if g.hub.Join(c, room) {
		g.hub.SendTo(g.hub.RoomAudience(room, userID), encodeFrame(EventPresenceUpdate, presencePayload{
			UserID:   userID,
			IsOnline: true,
			At:       g.clock(),
		}))
	}
	reply.OnlineUserIDs = []uuid.UUID{}
	for _, id := range g.hub.RoomUsers(room) {
		if id != userID {
			reply.OnlineUserIDs = append(reply.OnlineUserIDs, id)
		}
	}
	c.Send(encodeFrame(replyType, reply))
}

func (g *Gateway) handleChannelJoin(ctx context.Context, c *Client, raw json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ChannelID == uuid.Nil {
		g.sendError(c, EventChannelJoin, fmt.Errorf("%w: channel_id is required", sealed_errors.ErrInvalidInput))
		return
	}
	ok, err := g.membership.CanAccessChannel(ctx, p.ChannelID, c.UserID())
	if err != nil {
		g.sendError(c, EventChannelJoin, err)
		return
	}
	if !ok {
		g.sendError(c, EventChannelJoin, fmt.Errorf("%w: not a member of channel", sealed_errors.ErrForbidden))
		return
	}
	channelID := p.ChannelID
	g.enterRoom(c, channelRoom(channelID), joinedPayload{ChannelID: &channelID}, EventChannelJoined)
}

func (g *Gateway) handleChannelLeave(c *Client, raw json.RawMessage) {
	var p channelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		g.sendError(c, EventChannelLeave, fmt.Errorf("%w: channel_id is required", sealed_errors.ErrInvalidInput))
		return
	}
	g.hub.Leave(c, channelRoom(p.ChannelID))
}

func (g *Gateway) handleDMJoin(ctx context.Context, c *Client, raw json.RawMessage) {
	var p dmJoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		g.sendError(c, EventDMJoin, fmt.Errorf("%w: malformed payload", sealed_errors.ErrInvalidInput))
		return
	}
	userID := c.UserID()

	var conversationID string
	switch {
	case p.ConversationID != "":
		ok, err := g.conversations.IsParticipant(ctx, p.ConversationID, userID)
		if err != nil {
			g.sendError(c, EventDMJoin, err)
			return
		}
		if !ok {
			g.sendError(c, EventDMJoin, fmt.Errorf("%w: not a participant", sealed_errors.ErrForbidden))
			return
		}
		conversationID = p.ConversationID
	case p.UserID != uuid.Nil:
		conv, _, err := g.conversations.StartConversation(ctx, userID, p.UserID)
		if err != nil {
			g.sendError(c, EventDMJoin, err)
			return
		}
		conversationID = conv.ID
	default:
		g.sendError(c, EventDMJoin, fmt.Errorf("%w: conversation_id or user_id is required", sealed_errors.ErrInvalidInput))
		return
	}

	g.enterRoom(c, dmRoom(conversationID), joinedPayload{ConversationID: conversationID}, EventDMJoined)
}

func (g *Gateway) handleDMLeave(c *Client, raw json.RawMessage) {
	var p dmJoinPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		g.sendError(c, EventDMLeave, fmt.Errorf("%w: conversation_id is required", sealed_errors.ErrInvalidInput))
		return
	}
	g.hub.Leave(c, dmRoom(p.ConversationID))
}

func (g *Gateway) handleTyping(c *Client, eventType string, raw json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		g.sendError(c, eventType, fmt.Errorf("%w: malformed payload", sealed_errors.ErrInvalidInput))
		return
	}

	var room string
	switch {
	case p.ChannelID != nil && p.ConversationID == "":
		room = channelRoom(*p.ChannelID)
	case p.ChannelID == nil && p.ConversationID != "":
		room = dmRoom(p.ConversationID)
	default:
		g.sendError(c, eventType, fmt.Errorf("%w: channel_id or conversation_id is required", sealed_errors.ErrInvalidInput))
		return
	}
	if !g.hub.InRoom(c, room) {
		g.sendError(c, eventType, fmt.Errorf("%w: join the room first", sealed_errors.ErrForbidden))
		return
	}

	userID := c.UserID()
	g.hub.Deliver(Targets{Room: room, Except: c}, encodeFrame(eventType, typingPayload{
		ChannelID:      p.ChannelID,
		ConversationID: p.ConversationID,
		UserID:         &userID,
	}))
}
