package services

import (
	"context"

	"sealed-relay/internal/domain/user"

	"github.com/google/uuid"
)

// MembershipOracle answers channel membership questions. It is backed by the
// community service's data.
type MembershipOracle interface {
	IsChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
	CanAccessChannel(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
	ChannelMembers(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error)
}

// UserDirectory resolves users owned by the identity service.
type UserDirectory interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (user.User, error)
	FindUserByUsername(ctx context.Context, username string) (user.User, error)
}
