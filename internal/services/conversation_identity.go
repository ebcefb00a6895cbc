package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"sealed-relay/internal/domain/conversation"
	"sealed-relay/internal/repository"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const conversationIDBytes = 16

// IDDeriver computes keyed conversation ids. Secrets are ordered newest
// first; the oldest secret is version 1, so prepending a new secret leaves
// existing version numbers unchanged.
type IDDeriver struct {
	keys     [][]byte
	versions []int
}

func NewIDDeriver(secrets []string) (*IDDeriver, error) {
	if len(secrets) == 0 {
		return nil, errors.New("at least one conversation id secret is required")
	}
	d := &IDDeriver{}
	for i, secret := range secrets {
		if secret == "" {
			return nil, fmt.Errorf("conversation id secret %d is empty", i)
		}
		version := len(secrets) - i
		key := make([]byte, sha256.Size)
		r := hkdf.New(sha256.New, []byte(secret), nil, []byte("conversation-id/v"+strconv.Itoa(version)))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("derive conversation key v%d: %w", version, err)
		}
		d.keys = append(d.keys, key)
		d.versions = append(d.versions, version)
	}
	return d, nil
}

// CurrentVersion is the version new conversations are created under.
func (d *IDDeriver) CurrentVersion() int { return d.versions[0] }

// DeriveID returns the id of the (a, b) pair under the current secret.
func (d *IDDeriver) DeriveID(a, b uuid.UUID) string {
	return d.derive(0, a, b)
}

// DeriveIDWithVersion derives under a specific secret version.
func (d *IDDeriver) DeriveIDWithVersion(version int, a, b uuid.UUID) (string, error) {
	for i, v := range d.versions {
		if v == version {
			return d.derive(i, a, b), nil
		}
	}
	return "", fmt.Errorf("%w: unknown secret version %d", sealed_errors.ErrNotFound, version)
}

func (d *IDDeriver) derive(index int, a, b uuid.UUID) string {
	mac := hmac.New(sha256.New, d.keys[index])
	mac.Write([]byte(pairPayload(a, b)))
	return hex.EncodeToString(mac.Sum(nil)[:conversationIDBytes])
}

func pairPayload(a, b uuid.UUID) string {
	if a == b {
		return "self:" + a.String()
	}
	lo, hi := conversation.SortedPair(a, b)
	return "pair:" + lo.String() + "|" + hi.String()
}

// ConversationIdentity resolves and creates DM conversations by derived id.
type ConversationIdentity struct {
	deriver *IDDeriver
	repo    repository.ConversationRepository
	users   UserDirectory
	clock   func() time.Time
	log     *zap.Logger
}

func NewConversationIdentity(deriver *IDDeriver, repo repository.ConversationRepository, users UserDirectory) *ConversationIdentity {
	return &ConversationIdentity{
		deriver: deriver,
		repo:    repo,
		users:   users,
		clock:   time.Now,
		log:     zap.L().With(zap.String("component", "conversation_identity")),
	}
}

func (s *ConversationIdentity) DeriveID(a, b uuid.UUID) string {
	return s.deriver.DeriveID(a, b)
}

// Lookup tries the pair's id under every known secret, newest first.
func (s *ConversationIdentity) Lookup(ctx context.Context, a, b uuid.UUID) (conversation.Conversation, error) {
	for i := range s.deriver.keys {
		c, err := s.repo.GetByID(ctx, s.deriver.derive(i, a, b))
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, sealed_errors.ErrNotFound) {
			return conversation.Conversation{}, err
		}
	}
	return conversation.Conversation{}, fmt.Errorf("%w: conversation", sealed_errors.ErrNotFound)
}

// StartConversation returns the existing conversation for the pair or
// creates one under the current secret. created reports which happened.
func (s *ConversationIdentity) StartConversation(ctx context.Context, a, b uuid.UUID) (c conversation.Conversation, created bool, err error) {
	if a == uuid.Nil || b == uuid.Nil {
		return conversation.Conversation{}, false, fmt.Errorf("%w: participant id is required", sealed_errors.ErrInvalidInput)
	}

	c, err = s.Lookup(ctx, a, b)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, sealed_errors.ErrNotFound) {
		return conversation.Conversation{}, false, err
	}

	if s.users != nil && a != b {
		if _, err := s.users.FindUserByID(ctx, b); err != nil {
			return conversation.Conversation{}, false, err
		}
	}

	lo, hi := conversation.SortedPair(a, b)
	now := s.clock()
	c = conversation.Conversation{
		ID:             s.deriver.DeriveID(a, b),
		SecretVersion:  s.deriver.CurrentVersion(),
		ParticipantA:   lo,
		ParticipantB:   hi,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		if errors.Is(err, sealed_errors.ErrAlreadyExists) {
			// Lost a race with a concurrent start for the same pair.
			existing, lookupErr := s.Lookup(ctx, a, b)
			return existing, false, lookupErr
		}
		return conversation.Conversation{}, false, err
	}

	s.log.Info("conversation started", zap.String("conversation_id", c.ID), zap.Int("secret_version", c.SecretVersion))
	return c, true, nil
}

func (s *ConversationIdentity) Get(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	return s.repo.GetByID(ctx, conversationID)
}

// IsParticipant reports whether userID belongs to the conversation. A missing
// conversation is NotFound.
func (s *ConversationIdentity) IsParticipant(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error) {
	c, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return c.HasParticipant(userID), nil
}

func (s *ConversationIdentity) ListConversations(ctx context.Context, userID uuid.UUID, limit int) ([]conversation.Conversation, error) {
	return s.repo.ListForUser(ctx, userID, clampLimit(limit))
}

const maxPresencePartners = 1000

// Partners returns the distinct users userID has a direct conversation with,
// most recently active first. Self threads are skipped.
func (s *ConversationIdentity) Partners(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	convs, err := s.repo.ListForUser(ctx, userID, maxPresencePartners)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(convs))
	out := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		other := c.Other(userID)
		if other == userID || seen[other] {
			continue
		}
		seen[other] = true
		out = append(out, other)
	}
	return out, nil
}

func (s *ConversationIdentity) Touch(ctx context.Context, conversationID string) error {
	return s.repo.Touch(ctx, conversationID, s.clock())
}
