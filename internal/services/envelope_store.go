package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sealed-relay/internal/domain/conversation"
	"sealed-relay/internal/domain/message"
	"sealed-relay/internal/repository"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxCiphertextBytes = 256 * 1024
	maxNonceLength     = 128
	maxEnvelopes       = 64

	defaultPageSize = 50
	maxPageSize     = 100
)

// StatusPolicy decides whether UpdateStatus may move a message backwards.
type StatusPolicy int

const (
	StatusForwardOnly StatusPolicy = iota
	StatusAllowRegression
)

// DeviceChecker reports whether a device is registered and active.
type DeviceChecker interface {
	IsActiveDevice(ctx context.Context, userID uuid.UUID, deviceID int) (bool, error)
}

// TargetSelector is the client's addressing choice before resolution. Exactly
// one field must be set.
type TargetSelector struct {
	ChannelID      uuid.UUID
	RecipientID    uuid.UUID
	ConversationID string
}

// ResolvedTarget is an authorized target. Conversation is set for DMs.
type ResolvedTarget struct {
	Target       message.Target
	Conversation *conversation.Conversation
}

// Recipient is the other DM participant. Zero for channels.
func (r ResolvedTarget) Recipient(senderID uuid.UUID) uuid.UUID {
	if r.Conversation == nil {
		return uuid.Nil
	}
	return r.Conversation.Other(senderID)
}

type CreateMessage struct {
	SenderID        uuid.UUID
	SenderDeviceID  int
	Target          message.Target
	Ciphertext      []byte
	Nonce           string
	ProtocolVersion int
	ReplyToID       uuid.NullUUID
}

type CreateDeviceMessage struct {
	SenderID       uuid.UUID
	SenderDeviceID int
	ConversationID string
	Ciphertext     []byte
	Nonce          string
	Envelopes      []message.DeviceCiphertext
	ReplyToID      uuid.NullUUID
}

// EnvelopeStore persists messages and per-device envelopes and enforces who
// may read or change them.
type EnvelopeStore struct {
	messages      repository.MessageRepository
	conversations *ConversationIdentity
	membership    MembershipOracle
	devices       DeviceChecker
	policy        StatusPolicy
	clock         func() time.Time
	log           *zap.Logger
}

func NewEnvelopeStore(messages repository.MessageRepository, conversations *ConversationIdentity, membership MembershipOracle, devices DeviceChecker, policy StatusPolicy) *EnvelopeStore {
	return &EnvelopeStore{
		messages:      messages,
		conversations: conversations,
		membership:    membership,
		devices:       devices,
		policy:        policy,
		clock:         time.Now,
		log:           zap.L().With(zap.String("component", "envelope_store")),
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func (s *EnvelopeStore) forbidden(userID uuid.UUID, what string) error {
	s.log.Warn("access denied", zap.String("user_id", userID.String()), zap.String("resource", what))
	return fmt.Errorf("%w: %s", sealed_errors.ErrForbidden, what)
}

// ResolveTarget authorizes sender against sel. A recipient id locates or
// creates the DM conversation with that user.
func (s *EnvelopeStore) ResolveTarget(ctx context.Context, senderID uuid.UUID, sel TargetSelector) (ResolvedTarget, error) {
	set := 0
	if sel.ChannelID != uuid.Nil {
		set++
	}
	if sel.RecipientID != uuid.Nil {
		set++
	}
	if sel.ConversationID != "" {
		set++
	}
	if set != 1 {
		return ResolvedTarget{}, fmt.Errorf("%w: exactly one of channel_id, recipient_id or conversation_id is required", sealed_errors.ErrInvalidInput)
	}

	switch {
	case sel.ChannelID != uuid.Nil:
		ok, err := s.membership.CanAccessChannel(ctx, sel.ChannelID, senderID)
		if err != nil {
			return ResolvedTarget{}, err
		}
		if !ok {
			return ResolvedTarget{}, s.forbidden(senderID, "channel "+sel.ChannelID.String())
		}
		return ResolvedTarget{Target: message.ChannelTarget(sel.ChannelID)}, nil

	case sel.RecipientID != uuid.Nil:
		c, _, err := s.conversations.StartConversation(ctx, senderID, sel.RecipientID)
		if err != nil {
			return ResolvedTarget{}, err
		}
		return ResolvedTarget{Target: message.ConversationTarget(c.ID), Conversation: &c}, nil

	default:
		c, err := s.conversations.Get(ctx, sel.ConversationID)
		if err != nil {
			return ResolvedTarget{}, err
		}
		if !c.HasParticipant(senderID) {
			return ResolvedTarget{}, s.forbidden(senderID, "conversation "+c.ID)
		}
		return ResolvedTarget{Target: message.ConversationTarget(c.ID), Conversation: &c}, nil
	}
}

// ExistsByNonce returns the message already stored for (senderID, nonce).
func (s *EnvelopeStore) ExistsByNonce(ctx context.Context, senderID uuid.UUID, nonce string) (message.Message, bool, error) {
	m, err := s.messages.GetByNonce(ctx, senderID, nonce)
	if errors.Is(err, sealed_errors.ErrNotFound) {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, err
	}
	return m, true, nil
}

func validateCiphertext(ct []byte, required bool) error {
	if required && len(ct) == 0 {
		return fmt.Errorf("%w: ciphertext is required", sealed_errors.ErrInvalidInput)
	}
	if len(ct) > maxCiphertextBytes {
		return fmt.Errorf("%w: ciphertext exceeds %d bytes", sealed_errors.ErrTooLarge, maxCiphertextBytes)
	}
	return nil
}

func validateNonce(nonce string) error {
	if nonce == "" || len(nonce) > maxNonceLength {
		return fmt.Errorf("%w: nonce must be 1-%d characters", sealed_errors.ErrInvalidInput, maxNonceLength)
	}
	return nil
}

func (s *EnvelopeStore) newMessage(sender uuid.UUID, senderDevice int, target message.Target, ct []byte, nonce string, version int, replyTo uuid.NullUUID) message.Message {
	now := s.clock()
	return message.Message{
		ID:              uuid.New(),
		SenderID:        sender,
		SenderDeviceID:  senderDevice,
		Target:          target,
		Ciphertext:      ct,
		Nonce:           nonce,
		ProtocolVersion: version,
		Status:          message.StatusSent,
		ReplyToID:       replyTo,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// persist stores m and its envelopes. A nonce collision resolves to the
// stored message with duplicate set.
func (s *EnvelopeStore) persist(ctx context.Context, m message.Message, envelopes []message.Envelope) (message.Message, bool, error) {
	if err := s.messages.Create(ctx, m, envelopes); err != nil {
		if errors.Is(err, sealed_errors.ErrAlreadyExists) {
			existing, getErr := s.messages.GetByNonce(ctx, m.SenderID, m.Nonce)
			if getErr != nil {
				return message.Message{}, false, getErr
			}
			return existing, true, nil
		}
		return message.Message{}, false, err
	}

	if id, ok := m.Target.Conversation(); ok {
		if err := s.conversations.Touch(ctx, id); err != nil {
			s.log.Warn("conversation touch failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return m, false, nil
}

// Create stores a shared-ciphertext message. Callers check ExistsByNonce
// first; a concurrent duplicate still resolves to the first message.
func (s *EnvelopeStore) Create(ctx context.Context, in CreateMessage) (message.Message, bool, error) {
	if in.Target.IsZero() {
		return message.Message{}, false, fmt.Errorf("%w: target is required", sealed_errors.ErrInvalidInput)
	}
	if in.ProtocolVersion == 0 {
		in.ProtocolVersion = message.ProtocolShared
	}
	if in.ProtocolVersion != message.ProtocolShared {
		return message.Message{}, false, fmt.Errorf("%w: per-device messages need envelopes", sealed_errors.ErrInvalidInput)
	}
	if err := validateNonce(in.Nonce); err != nil {
		return message.Message{}, false, err
	}
	if err := validateCiphertext(in.Ciphertext, true); err != nil {
		return message.Message{}, false, err
	}

	m := s.newMessage(in.SenderID, in.SenderDeviceID, in.Target, in.Ciphertext, in.Nonce, in.ProtocolVersion, in.ReplyToID)
	return s.persist(ctx, m, nil)
}

// CreateWithPerDeviceEnvelopes stores a protocol 2 DM and one envelope per
// listed recipient device, all or nothing.
func (s *EnvelopeStore) CreateWithPerDeviceEnvelopes(ctx context.Context, in CreateDeviceMessage) (message.Message, []message.Envelope, bool, error) {
	if err := validateNonce(in.Nonce); err != nil {
		return message.Message{}, nil, false, err
	}
	if err := validateCiphertext(in.Ciphertext, false); err != nil {
		return message.Message{}, nil, false, err
	}
	if len(in.Envelopes) == 0 || len(in.Envelopes) > maxEnvelopes {
		return message.Message{}, nil, false, fmt.Errorf("%w: 1-%d envelopes required", sealed_errors.ErrInvalidInput, maxEnvelopes)
	}
	seen := make(map[int]bool, len(in.Envelopes))
	for _, e := range in.Envelopes {
		if e.DeviceID <= 0 || seen[e.DeviceID] {
			return message.Message{}, nil, false, fmt.Errorf("%w: envelope device ids must be positive and distinct", sealed_errors.ErrInvalidInput)
		}
		seen[e.DeviceID] = true
		if err := validateCiphertext(e.Ciphertext, true); err != nil {
			return message.Message{}, nil, false, err
		}
	}

	conv, err := s.conversations.Get(ctx, in.ConversationID)
	if err != nil {
		return message.Message{}, nil, false, err
	}
	if !conv.HasParticipant(in.SenderID) {
		return message.Message{}, nil, false, s.forbidden(in.SenderID, "conversation "+conv.ID)
	}
	recipient := conv.Other(in.SenderID)

	if s.devices != nil {
		for _, e := range in.Envelopes {
			ok, err := s.devices.IsActiveDevice(ctx, recipient, e.DeviceID)
			if err != nil {
				return message.Message{}, nil, false, err
			}
			if !ok {
				return message.Message{}, nil, false, fmt.Errorf("%w: recipient device %d is not registered", sealed_errors.ErrInvalidInput, e.DeviceID)
			}
		}
	}

	ct := in.Ciphertext
	if ct == nil {
		ct = []byte{}
	}
	m := s.newMessage(in.SenderID, in.SenderDeviceID, message.ConversationTarget(conv.ID), ct, in.Nonce, message.ProtocolPerDevice, in.ReplyToID)
	envelopes := make([]message.Envelope, 0, len(in.Envelopes))
	for _, e := range in.Envelopes {
		envelopes = append(envelopes, message.Envelope{
			ID:                uuid.New(),
			MessageID:         m.ID,
			RecipientUserID:   recipient,
			RecipientDeviceID: e.DeviceID,
			Ciphertext:        e.Ciphertext,
			CreatedAt:         m.CreatedAt,
		})
	}

	stored, duplicate, err := s.persist(ctx, m, envelopes)
	if err != nil {
		return message.Message{}, nil, false, err
	}
	if duplicate {
		return stored, nil, true, nil
	}
	return stored, envelopes, false, nil
}

// canView reports whether userID may read m.
func (s *EnvelopeStore) canView(ctx context.Context, m message.Message, userID uuid.UUID) (bool, error) {
	if channelID, ok := m.Target.Channel(); ok {
		return s.membership.CanAccessChannel(ctx, channelID, userID)
	}
	convID, _ := m.Target.Conversation()
	ok, err := s.conversations.IsParticipant(ctx, convID, userID)
	if errors.Is(err, sealed_errors.ErrNotFound) {
		return false, nil
	}
	return ok, err
}

func (s *EnvelopeStore) GetMessage(ctx context.Context, messageID, actingUserID uuid.UUID) (message.Message, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return message.Message{}, err
	}
	if m.IsDeleted {
		return message.Message{}, fmt.Errorf("%w: message", sealed_errors.ErrNotFound)
	}
	ok, err := s.canView(ctx, m, actingUserID)
	if err != nil {
		return message.Message{}, err
	}
	if !ok {
		return message.Message{}, s.forbidden(actingUserID, "message "+messageID.String())
	}
	return m, nil
}

// GetEnvelopeForDevice returns the envelope of messageID addressed to
// (recipientUserID, recipientDeviceID). Only that recipient may fetch it.
func (s *EnvelopeStore) GetEnvelopeForDevice(ctx context.Context, messageID, recipientUserID uuid.UUID, recipientDeviceID int, actingUserID uuid.UUID) (message.Envelope, error) {
	if _, err := s.GetMessage(ctx, messageID, actingUserID); err != nil {
		return message.Envelope{}, err
	}
	if actingUserID != recipientUserID {
		return message.Envelope{}, s.forbidden(actingUserID, "envelope of message "+messageID.String())
	}
	return s.messages.GetEnvelope(ctx, messageID, recipientUserID, recipientDeviceID)
}

func (s *EnvelopeStore) ListPendingEnvelopes(ctx context.Context, userID uuid.UUID, deviceID int, limit int) ([]message.Envelope, error) {
	if deviceID <= 0 {
		return nil, fmt.Errorf("%w: device id is required", sealed_errors.ErrInvalidInput)
	}
	return s.messages.ListPendingEnvelopes(ctx, userID, deviceID, clampLimit(limit))
}

// MarkDelivered flags one envelope delivered. Repeated calls keep the first
// delivery time.
func (s *EnvelopeStore) MarkDelivered(ctx context.Context, envelopeID, actingUserID uuid.UUID) (message.Envelope, error) {
	e, err := s.messages.GetEnvelopeByID(ctx, envelopeID)
	if err != nil {
		return message.Envelope{}, err
	}
	if e.RecipientUserID != actingUserID {
		return message.Envelope{}, s.forbidden(actingUserID, "envelope "+envelopeID.String())
	}
	if err := s.messages.MarkEnvelopeDelivered(ctx, envelopeID, s.clock()); err != nil {
		return message.Envelope{}, err
	}
	return s.messages.GetEnvelopeByID(ctx, envelopeID)
}

// page returns one page of target newest first from the repository and
// hands it back oldest first.
func (s *EnvelopeStore) page(ctx context.Context, target message.Target, limit int, beforeID *uuid.UUID) ([]message.Message, error) {
	var cursor *repository.Cursor
	if beforeID != nil {
		anchor, err := s.messages.GetByID(ctx, *beforeID)
		if err != nil {
			return nil, err
		}
		if anchor.Target != target {
			return nil, fmt.Errorf("%w: cursor message belongs to another thread", sealed_errors.ErrInvalidInput)
		}
		cursor = &repository.Cursor{CreatedAt: anchor.CreatedAt, ID: anchor.ID}
	}

	msgs, err := s.messages.ListByTarget(ctx, target, clampLimit(limit), cursor)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *EnvelopeStore) ListChannelMessages(ctx context.Context, channelID, actingUserID uuid.UUID, limit int, beforeID *uuid.UUID) ([]message.Message, error) {
	ok, err := s.membership.CanAccessChannel(ctx, channelID, actingUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.forbidden(actingUserID, "channel "+channelID.String())
	}
	return s.page(ctx, message.ChannelTarget(channelID), limit, beforeID)
}

// ListDmMessages pages the conversation between actingUserID and otherUserID.
// A pair that never talked has an empty history.
func (s *EnvelopeStore) ListDmMessages(ctx context.Context, actingUserID, otherUserID uuid.UUID, limit int, beforeID *uuid.UUID) ([]message.Message, error) {
	c, err := s.conversations.Lookup(ctx, actingUserID, otherUserID)
	if errors.Is(err, sealed_errors.ErrNotFound) {
		return []message.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.page(ctx, message.ConversationTarget(c.ID), limit, beforeID)
}

// UpdateStatus records a delivery state reported by a recipient. Under
// StatusForwardOnly a downgrade fails with ErrInvalidTransition; setting the
// current status again is a no-op.
func (s *EnvelopeStore) UpdateStatus(ctx context.Context, messageID uuid.UUID, status message.Status, actingUserID uuid.UUID) (message.Message, error) {
	if !status.Valid() {
		return message.Message{}, fmt.Errorf("%w: unknown status %q", sealed_errors.ErrInvalidInput, status)
	}
	m, err := s.GetMessage(ctx, messageID, actingUserID)
	if err != nil {
		return message.Message{}, err
	}
	if m.SenderID == actingUserID && !s.isSelfThread(ctx, m) {
		return message.Message{}, s.forbidden(actingUserID, "status of own message")
	}
	if status == m.Status {
		return m, nil
	}
	if status.Before(m.Status) && s.policy == StatusForwardOnly {
		return message.Message{}, fmt.Errorf("%w: %s -> %s", sealed_errors.ErrInvalidTransition, m.Status, status)
	}

	now := s.clock()
	if s.policy == StatusAllowRegression {
		if err := s.messages.UpdateStatus(ctx, messageID, status, now); err != nil {
			return message.Message{}, err
		}
	} else {
		applied, err := s.messages.AdvanceStatus(ctx, messageID, status, now)
		if err != nil {
			return message.Message{}, err
		}
		if !applied {
			// Another report moved the message first.
			cur, err := s.messages.GetByID(ctx, messageID)
			if err != nil {
				return message.Message{}, err
			}
			if cur.Status == status {
				return cur, nil
			}
			return message.Message{}, fmt.Errorf("%w: %s -> %s", sealed_errors.ErrInvalidTransition, cur.Status, status)
		}
	}
	m.Status = status
	m.UpdatedAt = now
	return m, nil
}

func (s *EnvelopeStore) isSelfThread(ctx context.Context, m message.Message) bool {
	convID, ok := m.Target.Conversation()
	if !ok {
		return false
	}
	c, err := s.conversations.Get(ctx, convID)
	return err == nil && c.IsSelf()
}

func (s *EnvelopeStore) loadOwn(ctx context.Context, messageID, actingUserID uuid.UUID) (message.Message, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return message.Message{}, err
	}
	if m.IsDeleted {
		return message.Message{}, fmt.Errorf("%w: message", sealed_errors.ErrNotFound)
	}
	if m.SenderID != actingUserID {
		return message.Message{}, s.forbidden(actingUserID, "message "+messageID.String())
	}
	return m, nil
}

// Edit replaces the ciphertext of a message. Only its sender may edit, and
// only messages with a single shared ciphertext.
func (s *EnvelopeStore) Edit(ctx context.Context, messageID, actingUserID uuid.UUID, ciphertext []byte) (message.Message, error) {
	if err := validateCiphertext(ciphertext, true); err != nil {
		return message.Message{}, err
	}
	m, err := s.loadOwn(ctx, messageID, actingUserID)
	if err != nil {
		return message.Message{}, err
	}
	if m.ProtocolVersion == message.ProtocolPerDevice {
		return message.Message{}, fmt.Errorf("%w: per-device messages cannot be edited", sealed_errors.ErrInvalidInput)
	}
	now := s.clock()
	if err := s.messages.UpdateCiphertext(ctx, messageID, ciphertext, now); err != nil {
		return message.Message{}, err
	}
	m.Ciphertext = ciphertext
	m.IsEdited = true
	m.UpdatedAt = now
	return m, nil
}

// Delete soft-deletes a message. Only its sender may delete.
func (s *EnvelopeStore) Delete(ctx context.Context, messageID, actingUserID uuid.UUID) (message.Message, error) {
	m, err := s.loadOwn(ctx, messageID, actingUserID)
	if err != nil {
		return message.Message{}, err
	}
	if err := s.messages.SoftDelete(ctx, messageID, s.clock()); err != nil {
		return message.Message{}, err
	}
	m.IsDeleted = true
	return m, nil
}
